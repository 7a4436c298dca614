package redishost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/peergrid/collab-server-go/sessions"
	"github.com/peergrid/collab-server-go/sessions/sessionhosttest"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	mr := miniredis.RunT(t)
	cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h := NewWithClient(cl, Config{KeyPrefix: "test:"})
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestRedisHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.SessionHost {
		return newTestHost(t)
	})
}

// Resume IDs come back from clients verbatim, so the host must treat anything
// it cannot resume from, whether mangled or simply expired, as an unknown
// event rather than surfacing a Redis command error.
func TestSubscribeUnresumableID(t *testing.T) {
	h := newTestHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.PublishStream(ctx, "s1", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, tc := range []struct {
		name string
		id   string
	}{
		{"not a stream ID", "bogus"},
		{"partial stream ID", "123-"},
		{"well-formed but unknown", "99999999999-7"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := h.SubscribeStream(ctx, "s1", tc.id, func(context.Context, string, []byte) error {
				return nil
			})
			if !errors.Is(err, sessions.ErrEventNotFound) {
				t.Fatalf("subscribe returned %v, want ErrEventNotFound", err)
			}
		})
	}
}
