package gateway

import (
	"log/slog"
	"net/http"
	"strings"
)

// newCheckOrigin allows requests without an Origin header (non-browser clients) and, when
// allowed is non-empty, only the listed origins. An empty list accepts every origin.
func newCheckOrigin(allowed []string, log *slog.Logger) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(strings.ToLower(o), "/")] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		log.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}
