package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/isgasho/otto-1/internal/platform/correlation"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationMiddleware_AssignsID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen string
	err := correlationMiddleware(func(c echo.Context) error {
		id, ok := correlation.ID(c.Request().Context())
		require.True(t, ok)
		seen = id
		return nil
	})(c)

	require.NoError(t, err)
	assert.Len(t, seen, 8)
	assert.Equal(t, seen, rec.Header().Get(correlationHeader))
}

func TestCorrelationMiddleware_KeepsExistingID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(correlation.WithID(context.Background(), "cafe0001"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := correlationMiddleware(func(c echo.Context) error {
		id, _ := correlation.ID(c.Request().Context())
		assert.Equal(t, "cafe0001", id)
		return nil
	})(c)

	require.NoError(t, err)
	assert.Equal(t, "cafe0001", rec.Header().Get(correlationHeader))
}

func TestServer_ResponsesCarryCorrelationID(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Len(t, resp.Header.Get(correlationHeader), 8)
}
