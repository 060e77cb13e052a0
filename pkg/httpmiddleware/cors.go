package httpmiddleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// CORSConfig configures CORS for the browser-facing pricing routes.
type CORSConfig struct {
	// Origins allowed to call the API. Empty or "*" allows any origin.
	Origins []string
	// AllowCredentials forces origin echo instead of "*".
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds; zero omits it.
	MaxAge int
}

var (
	corsAllowMethods  = strings.Join([]string{http.MethodPost, http.MethodOptions}, ", ")
	corsAllowHeaders  = strings.Join([]string{"Content-Type", RequestIDHeader}, ", ")
	corsExposeHeaders = strings.Join([]string{
		RequestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining",
	}, ", ")
)

// CORS answers preflight requests and decorates responses for allowed
// origins. Origin matching is case-insensitive and echoes the configured
// spelling.
func CORS(cfg CORSConfig) Middleware {
	allowAll := len(cfg.Origins) == 0 || lo.Contains(cfg.Origins, "*")
	allowed := lo.SliceToMap(cfg.Origins, func(o string) (string, string) {
		return strings.ToLower(o), o
	})
	if cfg.AllowCredentials {
		allowAll = false
	}

	match := func(origin string) string {
		if allowAll {
			return "*"
		}
		if o, ok := allowed[strings.ToLower(origin)]; ok {
			return o
		}
		if _, wildcard := allowed["*"]; wildcard {
			return origin
		}
		return ""
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if !allowAll {
				h.Add("Vary", "Origin")
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowOrigin := match(origin)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Add("Vary", "Access-Control-Request-Method")
				h.Add("Vary", "Access-Control-Request-Headers")
				if allowOrigin != "" {
					h.Set("Access-Control-Allow-Origin", allowOrigin)
					h.Set("Access-Control-Allow-Methods", corsAllowMethods)
					h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					if cfg.AllowCredentials {
						h.Set("Access-Control-Allow-Credentials", "true")
					}
					if cfg.MaxAge > 0 {
						h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if allowOrigin != "" {
				h.Set("Access-Control-Allow-Origin", allowOrigin)
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
