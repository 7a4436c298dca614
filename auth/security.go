package auth

import (
	"context"
	"errors"
	"time"

	"github.com/peergrid/collab-server-go/internal/jwtauth"
)

// SecurityConfig is the immutable configuration describing how this server
// validates bearer token authentication without OIDC discovery: the issuer,
// accepted audiences, and a JWKS URL supplied directly.
//
// A zero value is invalid; populate the required fields then call Validate.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string

	Leeway time.Duration // clock skew tolerance (default 60s)
}

// Normalize fills defaults without mutating caller copies elsewhere.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// Validate returns an error if required invariants are not met.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	return dup
}

// NewManualJWTAuthenticator constructs a JWT access token authenticator using
// this security configuration without performing OIDC discovery. It expects:
//   - c.Issuer (non-empty)
//   - at least one audience in c.Audiences
//   - c.JWKSURL (non-empty)
//
// AllowedAlgs and Leeway are honored (defaults applied via Normalize).
func (c SecurityConfig) NewManualJWTAuthenticator(ctx context.Context) (Authenticator, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT authenticator")
	}

	sc := &jwtauth.StaticConfig{
		Issuer:            cc.Issuer,
		ExpectedAudiences: append([]string(nil), cc.Audiences...),
		AllowedAlgs:       append([]string(nil), cc.AllowedAlgs...),
		Leeway:            cc.Leeway,
	}
	a, err := jwtauth.NewStatic(ctx, sc, cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a}, nil
}
