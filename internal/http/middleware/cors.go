package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowedHeaders = "Authorization, Content-Type, X-Request-ID"
	corsAllowedMethods = "GET, POST, DELETE, OPTIONS"
)

type originAllowlist struct {
	any   bool
	allow map[string]struct{}
}

func newOriginAllowlist(origins []string) originAllowlist {
	list := originAllowlist{allow: map[string]struct{}{}}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			list.any = true
		default:
			list.allow[origin] = struct{}{}
		}
	}
	return list
}

func (l originAllowlist) permits(origin string) bool {
	if origin == "" {
		return false
	}
	if l.any {
		return true
	}
	_, ok := l.allow[origin]
	return ok
}

// CORS echoes allowed origins back. "*" in allowedOrigins permits any.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	list := newOriginAllowlist(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if list.permits(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Max-Age", "600")
			}

			if r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OriginChecker applies the same allowlist to websocket upgrades. Requests
// without an Origin header are not browser requests and pass.
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	list := newOriginAllowlist(allowedOrigins)
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		return origin == "" || list.permits(origin)
	}
}
