package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer is the iss claim on operator tokens.
const tokenIssuer = "iotdash"

// ErrInvalidToken is returned by ParseToken for any token that fails checks.
var ErrInvalidToken = errors.New("api: invalid token")

// IssueToken signs an HS256 operator token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("api: JWT secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an operator token and returns its subject.
func ParseToken(secret, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

// authEnabled reports whether a JWT secret is configured.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}

// authMiddleware requires a valid bearer token when auth is enabled. The
// token subject is stored in the request context for logging.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeUnauthorized(w, "bearer token required")
			return
		}
		subject, err := ParseToken(s.secCfg.JWT.Secret, token)
		if err != nil {
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeySubject, subject)))
	})
}

// subjectFrom returns the authenticated subject, or "" when auth is disabled.
func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySubject).(string) //nolint:errcheck // Absent means unauthenticated
	return s
}
