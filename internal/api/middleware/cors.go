package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	corsAllowMethods  = "GET, POST, OPTIONS"
	corsAllowHeaders  = "Accept, Authorization, Content-Type, X-Request-Id"
	corsExposeHeaders = "X-Request-Id, Retry-After"
	corsMaxAge        = "600"
)

// Origins is the set of browser origins allowed to use the control API.
// Entries are exact origins ("https://console.example.com"), a subdomain
// pattern ("https://*.example.com") or "*" for any origin. The zero value
// and nil allow nothing.
type Origins struct {
	any      bool
	exact    map[string]bool
	patterns []originPattern
}

type originPattern struct {
	scheme string
	suffix string // ".example.com"
}

// NewOrigins builds an origin set. Blank entries are ignored.
func NewOrigins(list []string) *Origins {
	o := &Origins{exact: make(map[string]bool, len(list))}
	for _, entry := range list {
		entry = strings.TrimRight(strings.TrimSpace(entry), "/")
		switch {
		case entry == "":
		case entry == "*":
			o.any = true
		case strings.Contains(entry, "://*."):
			scheme, host, _ := strings.Cut(entry, "://")
			o.patterns = append(o.patterns, originPattern{
				scheme: strings.ToLower(scheme),
				suffix: strings.ToLower(strings.TrimPrefix(host, "*")),
			})
		default:
			o.exact[strings.ToLower(entry)] = true
		}
	}
	return o
}

// Any reports whether every origin is allowed.
func (o *Origins) Any() bool { return o != nil && o.any }

// Allowed reports whether a browser page at origin may call the API.
func (o *Origins) Allowed(origin string) bool {
	if o == nil || origin == "" {
		return false
	}
	if o.any {
		return true
	}
	origin = strings.ToLower(origin)
	if o.exact[origin] {
		return true
	}
	if len(o.patterns) == 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, p := range o.patterns {
		if u.Scheme == p.scheme && strings.HasSuffix(u.Host, p.suffix) {
			return true
		}
	}
	return false
}

// CORS returns middleware that sets Cross-Origin Resource Sharing headers
// for browser clients of the control API. Requests from origins outside
// the set get no CORS headers. Credentials are never allowed since the API
// authenticates with bearer tokens.
//
// The event stream is a websocket and is not covered here; its upgrader
// checks the same Origins.
func CORS(origins *Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && origin != "" &&
				r.Header.Get("Access-Control-Request-Method") != ""

			if !origins.Allowed(origin) {
				if preflight {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			if origins.Any() {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)

			if !preflight {
				next.ServeHTTP(w, r)
				return
			}

			h.Add("Vary", "Access-Control-Request-Method")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// ParseCORSOrigins splits a comma-separated origins string into a slice.
// Empty input returns nil.
func ParseCORSOrigins(raw string) []string {
	var origins []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
