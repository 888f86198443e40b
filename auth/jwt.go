package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig controls validation of HS256 access tokens.
type JWTConfig struct {
	Secret   []byte
	Issuer   string        // optional; enforced when set
	Audience string        // optional; enforced when set
	Leeway   time.Duration // defaults to 60s
}

type jwtAuthenticator struct {
	cfg    JWTConfig
	parser *jwt.Parser
}

// NewJWT constructs an authenticator validating HS256-signed JWTs against a
// shared secret. Expiry is required; issuer and audience are enforced when
// configured.
func NewJWT(cfg JWTConfig) (Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: jwt secret is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &jwtAuthenticator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

func (a *jwtAuthenticator) CheckAuthentication(_ context.Context, token string) (*UserInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	parsed, err := a.parser.Parse(token, func(t *jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	return &UserInfo{Subject: sub, Claims: claims}, nil
}
