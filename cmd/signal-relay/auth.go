package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opd-ai/callsession/av/signaling"
)

var (
	// ErrMissingToken indicates neither a bearer header nor a token query
	// parameter was present.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken indicates the token failed verification.
	ErrInvalidToken = errors.New("invalid token")
)

// newAuthorizer returns a hub Authorizer accepting HS256 tokens signed with
// secret. The token subject becomes the connection's participant id.
// Browsers cannot set headers on a websocket upgrade, so ?token= is accepted
// as well.
func newAuthorizer(secret []byte) signaling.Authorizer {
	return func(r *http.Request) (string, error) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			return "", ErrMissingToken
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if claims.Subject == "" {
			return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
		}
		return claims.Subject, nil
	}
}

// issueToken signs a token for participantID valid for ttl.
func issueToken(secret []byte, participantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   participantID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
