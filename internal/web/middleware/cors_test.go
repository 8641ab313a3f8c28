package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"https://turtles.example.org/", " "})

	tests := []struct {
		origin   string
		expected bool
	}{
		{"", false},
		{"http://localhost:5173", true},
		{"https://localhost", true},
		{"http://127.0.0.1:8085", true},
		{"http://[::1]:3000", true},
		{"https://turtles.example.org", true},
		{"https://evil.example.com", false},
		{"http://localhost.attacker.example", false},
		{"http://localhost.attacker.example:5173", false},
		{"http://localhostattacker.example", false},
		{"http://localhost@attacker.example", false},
		{"http://attacker.example/http://localhost", false},
		{"file://localhost", false},
		{"null", false},
	}

	for _, tc := range tests {
		t.Run(tc.origin, func(t *testing.T) {
			if got := policy.allows(tc.origin); got != tc.expected {
				t.Errorf("allows(%q) = %v, want %v", tc.origin, got, tc.expected)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	handler := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/search", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if called {
		t.Error("preflight should not reach the next handler")
	}
	if recorder.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected origin to be echoed, got %q", got)
	}
}

func TestCORS_LookalikeOrigin(t *testing.T) {
	handler := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/identities", nil)
	req.Header.Set("Origin", "http://localhost.attacker.example")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("look-alike origin got Access-Control-Allow-Origin %q", got)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("look-alike origin got Access-Control-Allow-Credentials %q", got)
	}
}

func TestCORS_ConfiguredOrigins(t *testing.T) {
	handler := CORS([]string{"https://a.example.org", "https://b.example.org"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Origin", "https://b.example.org")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://b.example.org" {
		t.Errorf("expected allowed origin, got %q", got)
	}
	if got := recorder.Header().Get("Vary"); got != "Origin" {
		t.Errorf("expected Vary: Origin, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := recorder.Header().Get("Content-Security-Policy"); got != "default-src 'none'; frame-ancestors 'none'" {
		t.Errorf("unexpected CSP %q", got)
	}
	if got := recorder.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
}
