// Package auth issues and verifies the HS256 access tokens that identify
// callers of the WebSocket endpoint and the request API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSecret is used when no JWT_SECRET is configured.
const DefaultSecret = "dev-secret"

// ErrUnauthenticated is returned when a request carries no usable token.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Claims carries the caller identity. The user id is the registered subject.
type Claims struct {
	DisplayName string `json:"name"`
	Type        string `json:"typ"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID      string
	DisplayName string
}

// Issuer signs and parses access tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer. An empty secret falls back to DefaultSecret.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if secret == "" {
		secret = DefaultSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Sign returns an access token for the user and its expiry.
func (i *Issuer) Sign(userID, displayName string) (string, time.Time, error) {
	exp := time.Now().Add(i.ttl)
	claims := &Claims{
		DisplayName: displayName,
		Type:        "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign: %w", err)
	}
	return token, exp, nil
}

// Parse verifies tokenString and returns the caller identity.
func (i *Issuer) Parse(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
	}
	if claims.Type != "" && claims.Type != "access" {
		return Identity{}, fmt.Errorf("%w: access token required", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, DisplayName: name}, nil
}

// Authenticate extracts and verifies the token on r. Browsers cannot set
// headers on a WebSocket upgrade, so ?token= is accepted as well.
func (i *Issuer) Authenticate(r *http.Request) (Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	return i.Parse(token)
}

// TokenFromRequest returns the bearer token or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if t := extractBearer(r.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
