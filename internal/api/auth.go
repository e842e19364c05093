package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

// ContextKeySubject carries the authenticated token subject
const ContextKeySubject contextKey = "subject"

// Auth validates bearer tokens on mutating admin routes
type Auth struct {
	secret []byte
	logger *zap.Logger
}

// NewAuth creates an Auth handler. An empty secret disables validation,
// which is only acceptable for local development.
func NewAuth(secret string, logger *zap.Logger) *Auth {
	return &Auth{secret: []byte(secret), logger: logger}
}

// GenerateToken issues a signed token for the given subject
func (a *Auth) GenerateToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			a.logger.Debug("auth disabled, allowing request",
				zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
			return
		}

		subject, err := a.validateRequest(r)
		if err != nil {
			a.logger.Debug("auth failed",
				zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": "unauthorized"}`))
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) validateRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	raw := strings.TrimPrefix(authHeader, "Bearer ")
	if raw == authHeader {
		return "", fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read subject: %w", err)
	}
	return subject, nil
}
