// Package auth provides basic authentication against a static user table.
// Directory-backed authentication lives outside this service.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// Principal is an authenticated user. The password is retained for the
// one-shot free/busy retry against upstream feeds.
type Principal struct {
	UserID   string
	Password string
}

type Authenticator struct {
	users map[string]string
}

func New(users map[string]string) *Authenticator {
	return &Authenticator{users: users}
}

// Authenticate checks the request's basic auth credentials and returns the
// principal, or nil when the credentials are missing or wrong.
func (a *Authenticator) Authenticate(r *http.Request) *Principal {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	want, found := a.users[user]
	if !found || subtle.ConstantTimeCompare([]byte(want), []byte(pass)) != 1 {
		return nil
	}
	return &Principal{UserID: user, Password: pass}
}

type ctxKey struct{}

func WithContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}
