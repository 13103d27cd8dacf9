package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		preflight   bool
		wantOrigin  string
		wantStatus  int
		wantHandler bool
	}{
		{"listed origin", []string{"https://portal.example"}, http.MethodGet, "https://portal.example", false, "https://portal.example", http.StatusOK, true},
		{"unlisted origin", []string{"https://portal.example"}, http.MethodGet, "https://evil.example", false, "", http.StatusOK, true},
		{"wildcard", []string{" * "}, http.MethodGet, "https://kiosk.example", false, "https://kiosk.example", http.StatusOK, true},
		{"blank entries ignored", []string{"", "  "}, http.MethodGet, "https://portal.example", false, "", http.StatusOK, true},
		{"preflight", []string{"https://portal.example"}, http.MethodOptions, "https://portal.example", true, "https://portal.example", http.StatusNoContent, false},
		{"options without preflight header", []string{"https://portal.example"}, http.MethodOptions, "https://portal.example", false, "https://portal.example", http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(tt.method, "/holds", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			if called != tt.wantHandler {
				t.Fatalf("handler called = %v, want %v", called, tt.wantHandler)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.wantOrigin != "" && rec.Header().Get("Access-Control-Allow-Methods") != corsAllowedMethods {
				t.Fatalf("expected allow methods header")
			}
		})
	}
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://portal.example"})

	req := httptest.NewRequest(http.MethodGet, "/bookings/bk-1/watch", nil)
	if !check(req) {
		t.Fatalf("expected non-browser request to pass")
	}
	req.Header.Set("Origin", "https://portal.example")
	if !check(req) {
		t.Fatalf("expected listed origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Fatalf("expected unlisted origin to be rejected")
	}
}
