package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// newCheckOrigin returns the WebSocket origin policy. It admits requests without an Origin header
// (non-browser clients), same-host origins and the configured allow-list. In development
// localhost origins are admitted too.
func newCheckOrigin(allowed []string, isDevelopment bool) func(r *http.Request) bool {
	allowList := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if origin := extractOrigin(o); origin != "" {
			allowList[origin] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil {
			slog.Warn("WebSocket origin unparsable", "origin", origin, "remote_addr", r.RemoteAddr)
			return false
		}

		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		if _, ok := allowList[strings.ToLower(u.Scheme+"://"+u.Host)]; ok {
			return true
		}
		if isDevelopment && isLocalhost(u.Hostname()) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
