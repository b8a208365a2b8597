// Package auth guards the mutating API surface with bearer tokens. A
// static API token and HS256 JWTs are both accepted; with auth disabled
// every request passes through (dev mode).
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

// subjectKey carries the authenticated principal through the request
// context.
const subjectKey contextKey = "auth-subject"

// Config controls the middleware.
type Config struct {
	Enabled   bool
	APIToken  string
	JWTSecret string
}

// Middleware validates bearer tokens.
type Middleware struct {
	cfg    Config
	logger *zap.Logger
}

// New creates the middleware.
func New(cfg Config, logger *zap.Logger) *Middleware {
	return &Middleware{cfg: cfg, logger: logger}
}

// Wrap enforces authentication on the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}

		if m.cfg.APIToken != "" && token == m.cfg.APIToken {
			next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), "api-token")))
			return
		}

		if m.cfg.JWTSecret != "" {
			subject, err := m.verifyJWT(token)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), subject)))
				return
			}
			m.logger.Warn("JWT verification failed", zap.Error(err))
		}
		unauthorized(w, "invalid token")
	})
}

func (m *Middleware) verifyJWT(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", fmt.Errorf("token invalid")
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "unknown", nil
	}
	return subject, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func withSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// Subject returns the authenticated principal, or "" when auth is off.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error_kind":"auth","message":%q}`, msg)
}
