package api

import (
	"errors"
	"net/http"
	"strings"
)

type (
	// Authenticator resolves a request to the owner identity used for
	// resource scoping. Implementations return an error for requests that
	// carry no valid credentials; the server answers those with 401.
	Authenticator interface {
		Authenticate(r *http.Request) (owner string, err error)
	}

	// TokenAuthenticator maps static bearer tokens to owners. Suitable for
	// the demo server and tests; production deployments plug in their own
	// Authenticator.
	TokenAuthenticator struct {
		owners map[string]string
	}
)

// NewTokenAuthenticator builds an authenticator from a token to owner map.
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	owners := make(map[string]string, len(tokens))
	for token, owner := range tokens {
		owners[token] = owner
	}
	return &TokenAuthenticator{owners: owners}
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("missing bearer token")
	}
	owner, found := a.owners[token]
	if !found {
		return "", errors.New("unknown token")
	}
	return owner, nil
}
