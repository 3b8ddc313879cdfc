package api

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(testSecret, "operator", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	subject, err := ParseToken(testSecret, token)
	if err != nil || subject != "operator" {
		t.Errorf("ParseToken() = %q, %v", subject, err)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	expired, _ := IssueToken(testSecret, "operator", -time.Minute)
	otherKey, _ := IssueToken("another-secret-another-secret-another", "operator", time.Minute)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: tokenIssuer, Subject: "operator",
	}).SignedString([]byte(testSecret))
	wrongIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "someone-else", Subject: "operator", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(testSecret))
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer: tokenIssuer, Subject: "operator", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":      expired,
		"other key":    otherKey,
		"no expiry":    noExpiry,
		"wrong issuer": wrongIssuer,
		"alg none":     unsigned,
		"garbage":      "a.b.c",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ParseToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestIssueToken_NoSecret(t *testing.T) {
	if _, err := IssueToken("", "operator", time.Minute); err == nil {
		t.Error("IssueToken() with empty secret should fail")
	}
}
