package middleware

import (
	"net/http"
	"strings"

	"github.com/alanyoungcy/flashguard/internal/crypto"
)

const corsMethods = "GET, POST, PUT, DELETE, OPTIONS"

var (
	corsHeaders = strings.Join([]string{
		"Content-Type",
		"Authorization",
		"X-API-Key",
		HeaderRequestID,
		crypto.HeaderTimestamp,
		crypto.HeaderSignature,
	}, ", ")
	corsExpose = strings.Join([]string{HeaderRequestID, "Retry-After"}, ", ")
)

// CORS allows browser dashboards on the listed origins. An empty list or "*"
// allows any origin. Preflight requests are answered here and never reach
// auth or the rate limiter.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			allowed := allowAll || origins[strings.ToLower(origin)]
			if allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", corsExpose)
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
					h.Set("Access-Control-Max-Age", "600")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
