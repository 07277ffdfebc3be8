package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gluk-w/termctl/internal/sshaudit"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRequireToken(t *testing.T) {
	h := RequireToken("s3cret")(ok)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", "", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", "", http.StatusNoContent},
		{"lowercase scheme", "bearer s3cret", "", http.StatusNoContent},
		{"query fallback", "", "?token=s3cret", http.StatusNoContent},
		{"basic scheme", "Basic s3cret", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRequireTokenDisabled(t *testing.T) {
	h := RequireToken("")(ok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestActor(t *testing.T) {
	var got sshaudit.Actor
	h := Actor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = sshaudit.ActorFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set(UserHeader, "alice")
	req.Header.Set("User-Agent", "termctl-test")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.Username != "alice" || got.SourceIP != "10.1.2.3" || got.UserAgent != "termctl-test" {
		t.Errorf("unexpected actor: %+v", got)
	}

	req.Header.Set("X-Forwarded-For", "192.168.0.7, 10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got.SourceIP != "192.168.0.7" {
		t.Errorf("SourceIP = %q, want forwarded address", got.SourceIP)
	}
}
