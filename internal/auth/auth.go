// Package auth guards subscription and read requests. Requests carry either
// the shared static token or an HS256 JWT, optionally scoped to one pad.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenHeader is the custom header accepted in addition to Bearer auth.
const TokenHeader = "X-Emailpad-Token"

var (
	ErrUnauthorized = errors.New("auth: missing or invalid token")
	ErrForbiddenPad = errors.New("auth: token not valid for this pad")
)

// PadClaims are the claims of an access token. An empty Pad grants access to
// every pad.
type PadClaims struct {
	jwt.RegisteredClaims
	Pad string `json:"pad,omitempty"`
}

// Authenticator checks request credentials. The zero value and a nil
// *Authenticator allow everything.
type Authenticator struct {
	token  string
	secret []byte
	now    func() time.Time
}

// New returns an Authenticator. With both token and jwtSecret empty, auth is
// disabled.
func New(token, jwtSecret string) *Authenticator {
	a := &Authenticator{token: token, now: time.Now}
	if jwtSecret != "" {
		a.secret = []byte(jwtSecret)
	}
	return a
}

// Enabled reports whether requests must carry credentials.
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.token != "" || len(a.secret) > 0)
}

// TokenFromRequest extracts a credential from the token query parameter,
// the X-Emailpad-Token header or a Bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Authorize checks r for access to padName. padName may be empty for
// requests that are not about a single pad.
func (a *Authenticator) Authorize(r *http.Request, padName string) error {
	if !a.Enabled() {
		return nil
	}
	return a.Check(TokenFromRequest(r), padName)
}

// Check validates a raw credential for padName.
func (a *Authenticator) Check(token, padName string) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return ErrUnauthorized
	}
	if a.token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1 {
		return nil
	}
	if len(a.secret) == 0 {
		return ErrUnauthorized
	}

	claims, err := a.Validate(token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Pad != "" && padName != "" && claims.Pad != padName {
		return ErrForbiddenPad
	}
	return nil
}

// Issue signs a token for subject, valid for ttl, scoped to padName when it
// is not empty.
func (a *Authenticator) Issue(subject, padName string, ttl time.Duration) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", errors.New("auth: no jwt secret configured")
	}
	now := a.now()
	claims := PadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Pad: padName,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses and verifies a JWT.
func (a *Authenticator) Validate(tokenString string) (*PadClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PadClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*PadClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
