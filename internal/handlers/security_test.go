package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gitshopapp/fulfillment/internal/config"
)

func noContent() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireSameOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		method  string
		origin  string
		referer string
		want    int
	}{
		{name: "matching origin", method: http.MethodPost, origin: "https://api.example.com", want: http.StatusNoContent},
		{name: "allowed storefront origin", method: http.MethodPost, origin: "https://shop.example.com", want: http.StatusNoContent},
		{name: "api client without origin", method: http.MethodPost, want: http.StatusNoContent},
		{name: "cross origin", method: http.MethodPost, origin: "https://attacker.example", want: http.StatusForbidden},
		{name: "cross origin referer", method: http.MethodDelete, referer: "https://attacker.example/page", want: http.StatusForbidden},
		{name: "malformed origin", method: http.MethodPatch, origin: "not a url", want: http.StatusForbidden},
		{name: "read only method", method: http.MethodGet, origin: "https://attacker.example", want: http.StatusNoContent},
	}

	h := &Handlers{
		config: &config.Config{AllowedOrigins: []string{"https://shop.example.com"}},
		logger: newTestLogger(),
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tt.method, "https://api.example.com/carts/c-1/lines", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			rec := httptest.NewRecorder()

			h.RequireSameOrigin(noContent()).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := &Handlers{}
	rec := httptest.NewRecorder()
	h.SecurityHeaders(noContent()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("unexpected X-Content-Type-Options: %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("unexpected X-Frame-Options: %q", got)
	}
}
