package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	return New("test-secret", time.Hour, zap.NewNop())
}

func TestRegisterThenLoginSucceeds(t *testing.T) {
	a := newTestAuthenticator(t)
	if _, err := a.Register("trader@example.com", "s3cret-pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, expiresAt, userID, err := a.Login("trader@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" || userID == "" {
		t.Fatal("expected a non-empty token and user ID")
	}
	if !expiresAt.After(time.Now()) {
		t.Fatal("expected expiresAt in the future")
	}
}

func TestRegisterDuplicateEmailRejected(t *testing.T) {
	a := newTestAuthenticator(t)
	if _, err := a.Register("trader@example.com", "s3cret-pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := a.Register("trader@example.com", "different-pass"); err != ErrEmailTaken {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginWrongPasswordRejected(t *testing.T) {
	a := newTestAuthenticator(t)
	if _, err := a.Register("trader@example.com", "s3cret-pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, _, err := a.Login("trader@example.com", "wrong-pass"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestVerifyPasswordForLiveModeGate(t *testing.T) {
	a := newTestAuthenticator(t)
	u, err := a.Register("trader@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok, err := a.VerifyPassword(u.ID, "s3cret-pass")
	if err != nil || !ok {
		t.Fatalf("expected password to verify, got ok=%v err=%v", ok, err)
	}

	ok, err = a.VerifyPassword(u.ID, "wrong-pass")
	if err != nil || ok {
		t.Fatalf("expected password not to verify, got ok=%v err=%v", ok, err)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	a := newTestAuthenticator(t)
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without a token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	a := newTestAuthenticator(t)
	if _, err := a.Register("trader@example.com", "s3cret-pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, _, userID, err := a.Login("trader@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	var gotUserID string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotUserID != userID {
		t.Fatalf("expected user ID %q in context, got %q", userID, gotUserID)
	}
}
