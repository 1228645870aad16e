package main

import (
	"errors"
	"net/http"
	"strings"

	"rallylink/coordinator/internal/auth"
)

// Identity is what a successful connection handshake establishes.
type Identity struct {
	PlayerID string
	Username string
}

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// allowAllAuthenticator admits every connection anonymously. Used when no
// auth secret is configured, typically in local development.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request) (Identity, error) {
	return Identity{}, nil
}

type tokenAuthenticator struct {
	authority *auth.TokenAuthority
}

func newTokenAuthenticator(authority *auth.TokenAuthority) (websocketAuthenticator, error) {
	if authority == nil {
		return nil, errors.New("token authority not configured")
	}
	return &tokenAuthenticator{authority: authority}, nil
}

// Authenticate validates the presented token and returns the player identity.
func (a *tokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	if a == nil || a.authority == nil {
		return Identity{}, errors.New("authenticator not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return Identity{}, errors.New("missing auth token")
	}
	claims, err := a.authority.Validate(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PlayerID: claims.PlayerID, Username: claims.Username}, nil
}
