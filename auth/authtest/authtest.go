// Package authtest provides trivial Authenticator implementations for tests
// and local development.
package authtest

import (
	"context"
	"strings"

	"github.com/peergrid/collab-server-go/auth"
)

// StaticTokens authenticates against a fixed token→user map. Any other token
// is rejected with auth.ErrUnauthorized.
type StaticTokens struct {
	Users map[string]string // token → user ID
}

// NewStaticTokens builds an authenticator accepting exactly the given tokens.
func NewStaticTokens(users map[string]string) *StaticTokens {
	return &StaticTokens{Users: users}
}

var _ auth.Authenticator = (*StaticTokens)(nil)

func (s *StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	userID, ok := s.Users[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return staticUserInfo{userID: userID}, nil
}

// PrefixAuth accepts any token of the form "<prefix><user-id>" and treats the
// remainder as the user ID. Useful in tests that need many distinct users
// without minting real tokens.
type PrefixAuth struct {
	Prefix string
}

var _ auth.Authenticator = (*PrefixAuth)(nil)

func (p *PrefixAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if !strings.HasPrefix(tok, p.Prefix) || len(tok) == len(p.Prefix) {
		return nil, auth.ErrUnauthorized
	}
	return staticUserInfo{userID: strings.TrimPrefix(tok, p.Prefix)}, nil
}

type staticUserInfo struct{ userID string }

func (u staticUserInfo) UserID() string       { return u.userID }
func (u staticUserInfo) Claims(ref any) error { return nil }
