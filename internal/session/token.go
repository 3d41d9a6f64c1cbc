package session

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when the stored bearer token's exp claim has passed.
var ErrTokenExpired = fmt.Errorf("bearer token expired")

// LoadToken reads the session's bearer token from disk and checks its expiry
// claim without verifying the signature (verification is the server's job;
// the client only wants to avoid a handshake it knows will be rejected).
func LoadToken(name string) (string, error) {
	raw, err := os.ReadFile(TokenPath(name))
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("empty token file")
	}
	if err := CheckExpiry(token, time.Now()); err != nil {
		return "", err
	}
	return token, nil
}

// SaveToken writes a bearer token for the session with restrictive permissions.
func SaveToken(name, token string) error {
	if err := EnsureDir(name); err != nil {
		return err
	}
	return os.WriteFile(TokenPath(name), []byte(token+"\n"), 0600)
}

// CheckExpiry inspects a JWT's exp claim at the given instant. Tokens that
// are not JWTs (opaque tokens) pass; only a parseable, expired JWT fails.
func CheckExpiry(token string, now time.Time) error {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		// Opaque token; let the server decide.
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if now.After(exp.Time) {
		return ErrTokenExpired
	}
	return nil
}
