package auth

import (
	"context"
	"errors"
)

// Sentinel errors the transport maps onto RFC 6750 bearer challenges.
var (
	// ErrUnauthorized reports a credential that is missing, malformed, or
	// failed verification.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientScope reports a credential that verified but does not
	// carry the scopes this deployment requires.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// UserInfo is the authenticated principal behind a request. Values must be
// safe for concurrent use.
type UserInfo interface {
	// UserID names the principal. It is the identity sessions are created
	// by and joined under.
	UserID() string
	// Claims decodes the verified token claims into ref.
	Claims(ref any) error
}

// Authenticator verifies a bearer credential. Failed verification is
// reported with an error wrapping ErrUnauthorized; a verified credential
// lacking required scopes wraps ErrInsufficientScope.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
