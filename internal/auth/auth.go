// Package auth validates bearer tokens on the proxy's control surface.
// The relay path (/sse, /messages/) is not authenticated here; the control
// endpoints (/api/...) are.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Principal identifies an authenticated control-surface caller.
type Principal struct {
	Name string
}

// Authenticator validates an incoming HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// Auth failure modes.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// keyPrefix is the expected API key prefix; the first 8 characters double as
// the DB lookup prefix.
const keyPrefix = "tgk_"

// ExtractBearerToken pulls a tgk_ API key from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrUnauthenticated
	}
	token := strings.TrimPrefix(header, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, keyPrefix) || len(token) < 8 {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// StaticAuthenticator compares against a single configured token. Suitable
// for single-operator deployments and local development.
type StaticAuthenticator struct {
	token string
}

// NewStaticAuthenticator creates an authenticator accepting exactly token.
func NewStaticAuthenticator(token string) *StaticAuthenticator {
	return &StaticAuthenticator{token: token}
}

func (a *StaticAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{Name: "static"}, nil
}

var _ Authenticator = (*StaticAuthenticator)(nil)
