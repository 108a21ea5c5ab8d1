package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a session token cannot be trusted.
var ErrUnauthenticated = errors.New("unauthenticated")

// SessionVerifier validates Clerk session tokens signed with the instance's RS256 key.
type SessionVerifier struct {
	parser *jwt.Parser
	key    interface{}
}

// NewSessionVerifier parses the PEM encoded public key from the Clerk dashboard.
func NewSessionVerifier(publicKeyPEM string, clock func() time.Time) (*SessionVerifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse clerk jwt key: %w", err)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if clock != nil {
		opts = append(opts, jwt.WithTimeFunc(clock))
	}
	return &SessionVerifier{parser: jwt.NewParser(opts...), key: key}, nil
}

// Verify returns the user id (the sub claim) of a valid token.
func (v *SessionVerifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}
