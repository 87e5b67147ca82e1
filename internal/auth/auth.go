// Package auth issues and validates the bearer tokens that scope every API
// request to one user.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mailbridge/internal/common/errors"
	"mailbridge/internal/common/logging"
)

type contextKey string

const userIDKey contextKey = "auth.user_id"

const defaultTokenTTL = 24 * time.Hour

// Service signs and verifies HS256 tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	logger logging.Logger
}

func NewService(secret string, ttl time.Duration, logger logging.Logger) (*Service, error) {
	if secret == "" {
		return nil, errors.ValidationFailed("auth secret is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Service{secret: []byte(secret), ttl: ttl, logger: logger}, nil
}

// GenerateToken mints a signed token for the user and returns it with its
// expiry.
func (s *Service) GenerateToken(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.ValidationFailed("user id is required")
	}

	expiresAt := time.Now().Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, errors.Internal("failed to sign token", err)
	}
	return token, expiresAt, nil
}

// ValidateToken verifies the signature and expiry and returns the user id.
func (s *Service) ValidateToken(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Unauthorized("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.Unauthorized("invalid or expired token")
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.Unauthorized("token carries no subject")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated user id on the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.reject(w, errors.Unauthorized("missing bearer token"))
			return
		}

		userID, err := s.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.reject(w, errors.AsAppError(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func (s *Service) reject(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	if err := json.NewEncoder(w).Encode(appErr); err != nil {
		s.logger.Error("failed to write auth rejection", err)
	}
}

// WithUserID stores the authenticated user id on a context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}
