// Package auth validates bearer credentials on the administrative and
// message endpoints. Three authenticators are provided: a static shared
// token, a token file reloaded on change, and HS256 JWTs.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized indicates the credential is absent, malformed, or does not
// match. Transports map it to a 401.
var ErrUnauthorized = errors.New("auth: unauthorized")

// UserInfo carries the identity extracted from a validated credential. For
// shared-token authenticators Subject is empty.
type UserInfo struct {
	Subject string
	Claims  map[string]any
}

// Authenticator validates one bearer token.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, token string) (*UserInfo, error)
}

type staticToken struct {
	token []byte
}

// NewStaticToken returns an authenticator accepting exactly the given
// shared token, compared in constant time.
func NewStaticToken(token string) Authenticator {
	return &staticToken{token: []byte(token)}
}

func (a *staticToken) CheckAuthentication(_ context.Context, token string) (*UserInfo, error) {
	if subtle.ConstantTimeCompare(a.token, []byte(token)) != 1 {
		return nil, ErrUnauthorized
	}
	return &UserInfo{}, nil
}
