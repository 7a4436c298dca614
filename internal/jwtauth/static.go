package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// StaticConfig validates JWT access tokens without discovery: the caller
// supplies the issuer, the accepted audiences, and a JWKS URI directly.
type StaticConfig struct {
	Issuer            string
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultStaticConfig applies the RS256-only, 60s-leeway defaults.
func DefaultStaticConfig() *StaticConfig {
	return &StaticConfig{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

type staticAuthenticator struct {
	cfg  *StaticConfig
	keys jwt.Keyfunc
}

var _ Authenticator = (*staticAuthenticator)(nil)

// NewStatic builds an authenticator for RFC 9068 JWT access tokens against a
// fixed issuer, audience set, and JWKS URI. The JWKS is fetched and cached by
// keyfunc; signing algorithms outside AllowedAlgs never reach key lookup.
func NewStatic(ctx context.Context, cfg *StaticConfig, jwksURI string) (*staticAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	keys := func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}
	return &staticAuthenticator{cfg: cfg, keys: keys}, nil
}

func (a *staticAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, errors.New("empty token")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keys)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if !audienceMatch(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

// audienceMatch accepts a token whose aud claim (string or array form)
// intersects the accepted set.
func audienceMatch(aud any, accepted []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(accepted, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(accepted, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(accepted, s) {
				return true
			}
		}
	}
	return false
}
