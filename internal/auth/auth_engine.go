package auth

import (
	"context"
	"net/http"
)

const (
	DefaultUsername = "ferryadmin"
	DefaultPassword = "ferryadmin"
)

// User is the identity a request was authenticated as. Objects and sessions
// are scoped to it.
type User struct {
	ID string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// credentials. It returns the authenticated User, or nil if the request
	// carries no credentials this engine accepts. An error is returned if
	// the credentials were present but could not be processed.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

type userKey struct{}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user stored by WithUser, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey{}).(*User)
	return user, ok && user != nil
}
