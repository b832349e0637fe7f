package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	BearerAuthPrefix = "Bearer "
)

// TokenAuthEngine accepts static bearer tokens, each mapped to a user.
type TokenAuthEngine struct {
	tokens map[string]string
}

// NewTokenAuthEngine creates a TokenAuthEngine from a token to user id map.
func NewTokenAuthEngine(tokens map[string]string) *TokenAuthEngine {
	copied := make(map[string]string, len(tokens))
	for token, user := range tokens {
		copied[token] = user
	}
	return &TokenAuthEngine{tokens: copied}
}

func (e *TokenAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, BearerAuthPrefix) {
		return nil, nil
	}

	presented := []byte(strings.TrimSpace(auth[len(BearerAuthPrefix):]))
	if len(presented) == 0 {
		return nil, nil
	}

	for token, user := range e.tokens {
		if subtle.ConstantTimeCompare(presented, []byte(token)) == 1 {
			return &User{ID: user}, nil
		}
	}

	return nil, nil
}
