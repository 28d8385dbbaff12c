package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()

	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestInfo_String(t *testing.T) {
	assert.Equal(t, "v1.2.0 (0123456)", Info{Version: "v1.2.0", Commit: "0123456789abcdef"}.String())
	assert.Equal(t, "dev (unknown)", Info{Version: "dev", Commit: "unknown"}.String())
}
