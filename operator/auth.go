package operator

import (
	"context"
	"net/http"
	"strings"

	"github.com/quailyquaily/airlock/guard"
)

type ctxKeyCapability struct{}

// requireOwner turns a bearer token into a guard.Capability. The token is
// checked by the configured Authorizer and never kept past the request.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return s.ownerAuth(next, func(r *http.Request) string {
		return bearerToken(r.Header.Get("Authorization"))
	})
}

// requireStreamOwner also accepts ?access_token=, since browsers cannot set
// headers on a websocket handshake.
func (s *Server) requireStreamOwner(next http.Handler) http.Handler {
	return s.ownerAuth(next, func(r *http.Request) string {
		if token := bearerToken(r.Header.Get("Authorization")); token != "" {
			return token
		}
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	})
}

func (s *Server) ownerAuth(next http.Handler, tokenFrom func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := guard.IssueCapability(r.Context(), s.deps.Authorizer, tokenFrom(r))
		if err != nil {
			s.log.Warn("operator_unauthorized", "path", r.URL.Path, "error", err.Error())
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyCapability{}, c)))
	})
}

func capabilityFrom(ctx context.Context) guard.Capability {
	c, _ := ctx.Value(ctxKeyCapability{}).(guard.Capability)
	return c
}

func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) < len("bearer ") || !strings.EqualFold(h[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[len("bearer "):])
}

// checkOrigin admits handshakes without an Origin header (CLI and local
// agents) and browser handshakes from an allowed CORS origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if originAllowed(s.origins, origin) {
		return true
	}
	s.log.Warn("operator_ws_origin_rejected", "origin", origin)
	return false
}

// originAllowed matches like the CORS middleware: exact, "*", or a single
// wildcard between a prefix and a suffix.
func originAllowed(allowed []string, origin string) bool {
	origin = strings.ToLower(origin)
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case a == "*":
			return true
		case a == origin:
			return true
		case strings.Count(a, "*") == 1:
			i := strings.IndexByte(a, '*')
			prefix, suffix := a[:i], a[i+1:]
			if len(origin) >= len(prefix)+len(suffix) && strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}
