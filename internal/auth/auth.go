// Package auth provides the narrow bearer-token authenticator the API
// layer depends on: password-based login issuing a signed JWT, a
// middleware that resolves a request's user ID from that token, and a
// password re-verification check for the exec_mode->live gate (§4.10)
// which needs a fresh password, not just a valid session token.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tradectl/control-plane/pkg/utils"
)

// ErrInvalidCredentials is returned by Login on any email/password
// mismatch — deliberately undifferentiated from "no such user" to
// avoid leaking account existence. VerifyPassword reports a mismatch
// as (false, nil) instead.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrEmailTaken is returned by Register when the email is already
// registered.
var ErrEmailTaken = errors.New("email already registered")

// ErrInvalidEmail is returned by Register when the email fails basic
// format validation.
var ErrInvalidEmail = errors.New("invalid email address")

type userContextKey struct{}

// User is a registered account. Password hashing is bcrypt; nothing
// about the account is persisted through the store.Store port since
// user identity is an ambient concern orthogonal to the trading
// domain's entities.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// claims is the JWT payload; Subject doubles as the user ID.
type claims struct {
	jwt.RegisteredClaims
}

// Authenticator issues and verifies bearer tokens against an
// in-memory user registry.
type Authenticator struct {
	mu       sync.RWMutex
	byEmail  map[string]*User
	byID     map[string]*User
	secret   []byte
	tokenTTL time.Duration
	logger   *zap.Logger
}

// New constructs an Authenticator. secret signs and verifies issued
// tokens; tokenTTL bounds their lifetime.
func New(secret string, tokenTTL time.Duration, logger *zap.Logger) *Authenticator {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Authenticator{
		byEmail:  make(map[string]*User),
		byID:     make(map[string]*User),
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		logger:   logger.Named("auth"),
	}
}

// Register creates a new account, hashing the password with bcrypt.
func (a *Authenticator) Register(email, password string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !utils.ValidateEmail(email) {
		return User{}, ErrInvalidEmail
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.byEmail[email]; exists {
		return User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	u := &User{ID: uuid.NewString(), Email: email, PasswordHash: string(hash), CreatedAt: time.Now().UTC()}
	a.byEmail[email] = u
	a.byID[u.ID] = u
	return *u, nil
}

// Login verifies credentials and issues a signed token on success.
func (a *Authenticator) Login(email, password string) (token string, expiresAt time.Time, userID string, err error) {
	email = strings.TrimSpace(strings.ToLower(email))

	a.mu.RLock()
	u, ok := a.byEmail[email]
	a.mu.RUnlock()
	if !ok {
		return "", time.Time{}, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", time.Time{}, "", ErrInvalidCredentials
	}

	expiresAt = time.Now().Add(a.tokenTTL)
	signed, err := a.signToken(u.ID, expiresAt)
	if err != nil {
		return "", time.Time{}, "", err
	}
	return signed, expiresAt, u.ID, nil
}

// VerifyPassword re-checks a password for an already-authenticated
// user ID, used by the exec_mode->live gate: a live session token is
// not enough, the caller must prove the password again (§4.10).
func (a *Authenticator) VerifyPassword(userID, password string) (bool, error) {
	a.mu.RLock()
	u, ok := a.byID[userID]
	a.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *Authenticator) signToken(userID string, expiresAt time.Time) (string, error) {
	now := time.Now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(a.secret)
}

func (a *Authenticator) parseToken(tokenStr string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token claims")
	}
	return c.Subject, nil
}

// Middleware resolves the bearer token on every request and injects
// the authenticated user ID into the request context. Requests
// without a valid token are rejected with 401 before reaching next.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			http.Error(w, `{"code":"missing_token","error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		userID, err := a.parseToken(parts[1])
		if err != nil {
			http.Error(w, `{"code":"invalid_token","error":"invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the authenticated user ID a prior
// Middleware call attached to ctx.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userContextKey{}).(string)
	return v, ok
}
