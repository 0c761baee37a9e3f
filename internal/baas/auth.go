package baas

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// SubjectFromToken returns the user id carried in an access token's sub
// claim. The signature is not checked; the backend verifies it on every
// request.
func SubjectFromToken(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", ErrInvalidInput
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: access token has no subject", ErrInvalidInput)
	}
	return subject, nil
}
