package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Audience = "relaystate"

	ScopeSync         = "sync"
	ScopePresenceRead = "presence:read"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type Claims struct {
	jwt.RegisteredClaims

	ClientID string   `json:"client_id"`
	PeerID   string   `json:"peer_id,omitempty"`
	Scopes   []string `json:"scopes"`
}

func (c *Claims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IssueToken signs an HS256 token for clientID. An empty peerID lets the
// peer pick its own id on the handshake.
func IssueToken(secret, clientID, peerID string, scopes []string, ttl time.Duration) (string, error) {
	if secret == "" || clientID == "" {
		return "", errors.New("secret and client id are required")
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClientID: clientID,
		PeerID:   peerID,
		Scopes:   scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func authorizeBearer(authHeader, secret, clientID, requiredScope string, now time.Time) (*Claims, *authError) {
	claims, aerr := parseBearer(authHeader, secret, now)
	if aerr != nil {
		return nil, aerr
	}
	if clientID != "" && claims.ClientID != clientID {
		return nil, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "client mismatch",
		}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return nil, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (*Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		msg := "invalid token"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			msg = "token expired"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			msg = "invalid aud claim"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			msg = "jwt signature mismatch"
		}
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: msg}
	}
	if claims.ClientID == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing client_id claim"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}
