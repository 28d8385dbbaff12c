package server

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/isgasho/otto-1/internal/domain"
	"github.com/isgasho/otto-1/internal/platform/version"
	"github.com/labstack/echo/v4"
)

type indexChannel struct {
	Name       string
	Discipline string
}

type indexData struct {
	Version  string
	MOTD     string
	Channels []indexChannel
}

func (s *Server) handleIndex(c echo.Context) error {
	channels := []indexChannel{{Name: domain.BroadcastChannel, Discipline: domain.Stateless.String()}}
	for _, name := range s.config.Channels.Stateless {
		if name == domain.BroadcastChannel {
			continue
		}
		channels = append(channels, indexChannel{Name: name, Discipline: domain.Stateless.String()})
	}
	for _, name := range s.config.Channels.Stateful {
		channels = append(channels, indexChannel{Name: name, Discipline: domain.Stateful.String()})
	}

	return renderTemplate(c, s.indexTemplate, indexData{
		Version:  version.Get().String(),
		MOTD:     s.config.MOTD,
		Channels: channels,
	})
}

// renderTemplate renders into a buffer first so a failing template never sends partial HTML.
func renderTemplate(c echo.Context, tmpl *template.Template, data any) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		slog.Error("Template execution failed", "path", c.Request().URL.Path, "error", err)
		return c.String(http.StatusInternalServerError, "Failed to render page")
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}
