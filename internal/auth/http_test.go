// ABOUTME: Tests for the HTTP auth middleware
// ABOUTME: Covers header and query-param token extraction and rejection paths

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func authedHandler(t *testing.T, gotClaims **Claims) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotClaims = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPMiddlewareBearerToken(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"))
	token, err := svc.Issue(Claims{UserID: "user-1", WorkspaceID: "ws-1", UserType: 1}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	var claims *Claims
	handler := HTTPMiddleware(svc)(authedHandler(t, &claims))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if claims == nil || claims.UserID != "user-1" || claims.WorkspaceID != "ws-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestHTTPMiddlewareQueryParamToken(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"))
	token, err := svc.Issue(Claims{UserID: "user-1", WorkspaceID: "ws-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	var claims *Claims
	handler := HTTPMiddleware(svc)(authedHandler(t, &claims))

	req := httptest.NewRequest(http.MethodGet, "/ws?x-auth-token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if claims == nil || claims.UserID != "user-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestHTTPMiddlewareRejections(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"))
	other := NewJWTService([]byte("other-secret"))
	foreign, _ := other.Issue(Claims{UserID: "user-1", WorkspaceID: "ws-1"}, time.Hour)

	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"no token", func(r *http.Request) {}},
		{"malformed header", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }},
		{"empty bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer ") }},
		{"wrong secret", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+foreign) }},
		{"garbage token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer junk") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var claims *Claims
			handler := HTTPMiddleware(svc)(authedHandler(t, &claims))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if claims != nil {
				t.Error("handler should not have run")
			}
		})
	}
}
