package middleware

import "net/http"

// apiCSP forbids every resource type. The control API serves JSON, the
// event websocket and metrics text only, never documents.
const apiCSP = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"

// SecurityHeaders returns middleware that sets HTTP security headers on every
// response. When tlsEnabled is true, Strict-Transport-Security is included;
// it is omitted on plain HTTP so browsers do not cache an HSTS policy for a
// host without TLS.
func SecurityHeaders(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", apiCSP)
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")

			// Call state and action responses must never be cached by
			// intermediaries.
			h.Set("Cache-Control", "no-store")

			if tlsEnabled {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
