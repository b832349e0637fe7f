package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

const (
	BasicAuthPrefix = "Basic "
)

type BasicAuthEngine struct {
	Username string
	Password string
}

// NewBasicAuthEngine creates a BasicAuthEngine accepting a single set of
// credentials. Empty values fall back to the defaults.
func NewBasicAuthEngine(username string, password string) *BasicAuthEngine {
	if username == "" {
		username = DefaultUsername
	}
	if password == "" {
		password = DefaultPassword
	}

	return &BasicAuthEngine{
		Username: username,
		Password: password,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, BasicAuthPrefix) {
		return nil, nil
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(BasicAuthPrefix):]))
	if err != nil {
		return nil, nil
	}

	username, password, ok := strings.Cut(string(payload), ":")
	if !ok {
		return nil, nil
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(e.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(e.Password)) == 1
	if !userOK || !passOK {
		return nil, nil
	}

	return &User{ID: username}, nil
}
