package middleware

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
)

func TestOriginsAllowed(t *testing.T) {
	o := NewOrigins([]string{
		"https://console.example.com/",
		" https://*.phones.example.net ",
		"",
	})
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://console.example.com", true},
		{"HTTPS://Console.Example.com", true},
		{"http://console.example.com", false},
		{"https://desk-12.phones.example.net", true},
		{"https://a.b.phones.example.net:8443", false},
		{"https://a.b.phones.example.net", true},
		{"https://phones.example.net", false},
		{"http://desk-12.phones.example.net", false},
		{"https://evilphones.example.net", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := o.Allowed(tt.origin); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
	if o.Any() {
		t.Error("Any() = true without a * entry")
	}

	var none *Origins
	if none.Allowed("https://console.example.com") || none.Any() {
		t.Error("nil origins allowed a request")
	}
	if !NewOrigins([]string{"*"}).Allowed("null") {
		t.Error("* did not allow an opaque origin")
	}
}

func corsRequest(t *testing.T, origins *Origins, method, origin, requestMethod string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	reached := false
	handler := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, "/api/v1/call/answer", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if requestMethod != "" {
		req.Header.Set("Access-Control-Request-Method", requestMethod)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, reached
}

func TestCORSAllowedOrigin(t *testing.T) {
	rr, reached := corsRequest(t, NewOrigins([]string{"https://console.example.com"}), http.MethodPost, "https://console.example.com", "")

	if !reached || rr.Code != http.StatusOK {
		t.Fatalf("status = %d reached = %v", rr.Code, reached)
	}
	h := rr.Header()
	if got := h.Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !slices.Contains(h.Values("Vary"), "Origin") {
		t.Errorf("Vary = %v, want Origin", h.Values("Vary"))
	}
	if got := h.Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Allow-Credentials = %q, want none for bearer auth", got)
	}
	if got := h.Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Retry-After") {
		t.Errorf("Expose-Headers = %q, want Retry-After for rate limited dials", got)
	}
	// Preflight-only headers stay off simple requests.
	if got := h.Get("Access-Control-Allow-Methods"); got != "" {
		t.Errorf("Allow-Methods on a simple request = %q", got)
	}
}

func TestCORSRejectedOrigin(t *testing.T) {
	origins := NewOrigins([]string{"https://console.example.com"})

	rr, reached := corsRequest(t, origins, http.MethodPost, "https://evil.example.com", "")
	if !reached {
		t.Fatal("request without a CORS grant should still reach the handler")
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want none", got)
	}

	rr, reached = corsRequest(t, origins, http.MethodOptions, "https://evil.example.com", http.MethodPost)
	if reached || rr.Code != http.StatusNoContent {
		t.Fatalf("rejected preflight: status = %d reached = %v", rr.Code, reached)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got != "" {
		t.Errorf("rejected preflight granted methods %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	rr, reached := corsRequest(t, NewOrigins([]string{"https://*.example.com"}), http.MethodOptions, "https://desk.example.com", http.MethodPost)

	if reached {
		t.Fatal("preflight reached the handler")
	}
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	h := rr.Header()
	if got := h.Get("Access-Control-Allow-Methods"); strings.Contains(got, "DELETE") || !strings.Contains(got, "POST") {
		t.Errorf("Allow-Methods = %q", got)
	}
	if got := h.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Errorf("Allow-Headers = %q, want Authorization", got)
	}
	if got := h.Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("Max-Age = %q, want 600", got)
	}
	if vary := h.Values("Vary"); !slices.Contains(vary, "Origin") || !slices.Contains(vary, "Access-Control-Request-Method") {
		t.Errorf("Vary = %v", vary)
	}
}

func TestCORSPlainOptionsPassesThrough(t *testing.T) {
	// Without Access-Control-Request-Method it is not a preflight.
	_, reached := corsRequest(t, NewOrigins([]string{"*"}), http.MethodOptions, "https://console.example.com", "")
	if !reached {
		t.Error("plain OPTIONS did not reach the handler")
	}
}

func TestCORSWildcard(t *testing.T) {
	rr, _ := corsRequest(t, NewOrigins([]string{"*"}), http.MethodGet, "https://anything.example.org", "")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Allow-Origin = %q, want *", got)
	}
	if got := rr.Header().Values("Vary"); len(got) != 0 {
		t.Errorf("Vary = %v, want none for *", got)
	}
}

func TestCORSDisabled(t *testing.T) {
	for _, origins := range []*Origins{nil, NewOrigins(nil)} {
		rr, reached := corsRequest(t, origins, http.MethodGet, "https://console.example.com", "")
		if !reached || rr.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Errorf("disabled CORS: reached = %v headers = %v", reached, rr.Header())
		}
	}
}

func TestParseCORSOrigins(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"*", []string{"*"}},
		{"https://a.example.com, https://*.b.example.com ,,", []string{"https://a.example.com", "https://*.b.example.com"}},
	}
	for _, tt := range tests {
		if got := ParseCORSOrigins(tt.raw); !slices.Equal(got, tt.want) {
			t.Errorf("ParseCORSOrigins(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
