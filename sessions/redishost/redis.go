package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/peergrid/collab-server-go/sessions"
)

// Config for the Redis-backed SessionHost. Defaults can be loaded from the
// environment via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: COLLAB_KEY_PREFIX
	KeyPrefix string `env:"COLLAB_KEY_PREFIX,default=collab:"`
	// StreamMaxLen bounds retained events per stream (approximate trim).
	// ENV: COLLAB_STREAM_MAXLEN
	StreamMaxLen int64 `env:"COLLAB_STREAM_MAXLEN,default=1024"`
}

// Host implements sessions.SessionHost on Redis: streams carry per-stream
// ordered events (XADD/XREAD), string keys carry session metadata as JSON
// with a sliding expiry matching the session TTL.
type Host struct {
	client       *redis.Client
	keyPrefix    string
	streamMaxLen int64
}

var _ sessions.SessionHost = (*Host)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewFromEnv builds a Host from environment variables.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis host config: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client's lifecycle only if it also skips Close.
func NewWithClient(cl *redis.Client, cfg Config) *Host {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "collab:"
	}
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1024
	}
	return &Host{client: cl, keyPrefix: prefix, streamMaxLen: maxLen}
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) streamKey(streamID string) string { return h.keyPrefix + "stream:" + streamID }
func (h *Host) metaKey(token string) string      { return h.keyPrefix + "meta:" + token }

// --- Messaging via Redis streams ---

func (h *Host) PublishStream(ctx context.Context, streamID string, data []byte) (string, error) {
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(streamID),
		MaxLen: h.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (h *Host) SubscribeStream(ctx context.Context, streamID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(streamID)

	cursor := lastEventID
	if cursor == "" {
		// Start from the next published event: resolve "now" to the last
		// existing ID so repeated XREAD calls cannot skip messages.
		last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("xrevrange: %w", err)
		}
		if len(last) > 0 {
			cursor = last[0].ID
		} else {
			cursor = "0-0"
		}
	} else {
		// An ID that is not a stream entry ID at all (issued by a different
		// host implementation, or mangled by the client) cannot be resumed
		// from; report it like any other unknown event so the caller falls
		// back to a full resync instead of seeing a raw XRANGE error.
		if !validEventID(cursor) {
			return sessions.ErrEventNotFound
		}
		// Verify the resume point is still retained.
		found, err := h.client.XRange(ctx, key, cursor, cursor).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("xrange: %w", err)
		}
		if len(found) == 0 {
			return sessions.ErrEventNotFound
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, cursor},
			Count:   16,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				cursor = msg.ID
				raw, ok := msg.Values["d"]
				if !ok {
					continue
				}
				var data []byte
				switch v := raw.(type) {
				case string:
					data = []byte(v)
				case []byte:
					data = v
				default:
					continue
				}
				if err := handler(ctx, msg.ID, data); err != nil {
					return err
				}
			}
		}
	}
}

// validEventID reports whether id has the "<ms>-<seq>" shape of a Redis
// stream entry ID.
func validEventID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return false
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}

func (h *Host) CleanupStream(ctx context.Context, streamID string) error {
	if err := h.client.Del(ctx, h.streamKey(streamID)).Err(); err != nil {
		return fmt.Errorf("del stream: %w", err)
	}
	return nil
}

// --- Metadata ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	ok, err := h.client.SetNX(ctx, h.metaKey(meta.Token), raw, expiry(meta)).Result()
	if err != nil {
		return fmt.Errorf("setnx metadata: %w", err)
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, token string) (*sessions.SessionMetadata, error) {
	raw, err := h.client.Get(ctx, h.metaKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	var meta sessions.SessionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

func (h *Host) MutateSession(ctx context.Context, token string, fn func(*sessions.SessionMetadata) error) error {
	key := h.metaKey(token)

	// Optimistic concurrency: WATCH the key, apply fn, write in a
	// transaction, retry on interleaved writes.
	for attempt := 0; attempt < 5; attempt++ {
		var fnErr error
		err := h.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return sessions.ErrSessionNotFound
				}
				return err
			}
			var meta sessions.SessionMetadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				return fmt.Errorf("unmarshal metadata: %w", err)
			}
			if err := fn(&meta); err != nil {
				fnErr = err
				return err
			}
			now := time.Now().UTC()
			meta.UpdatedAt = now
			meta.LastActivity = now
			next, err := json.Marshal(&meta)
			if err != nil {
				return fmt.Errorf("marshal metadata: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, expiry(&meta))
				return nil
			})
			return err
		}, key)
		if err == nil {
			return nil
		}
		if fnErr != nil {
			return fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("mutate session %s: too many write conflicts", token)
}

func (h *Host) TouchSession(ctx context.Context, token string) error {
	return h.MutateSession(ctx, token, func(*sessions.SessionMetadata) error { return nil })
}

func (h *Host) DeleteSession(ctx context.Context, token string) error {
	if err := h.client.Del(ctx, h.metaKey(token)).Err(); err != nil {
		return fmt.Errorf("del metadata: %w", err)
	}
	return nil
}

func (h *Host) ListSessions(ctx context.Context) ([]*sessions.SessionMetadata, error) {
	var out []*sessions.SessionMetadata
	iter := h.client.Scan(ctx, 0, h.metaKey("*"), 64).Iterator()
	for iter.Next(ctx) {
		raw, err := h.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("get %s: %w", iter.Val(), err)
		}
		var meta sessions.SessionMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", iter.Val(), err)
		}
		out = append(out, &meta)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	return out, nil
}

// expiry derives the key expiry from the session's sliding TTL. The key-level
// expiry is a backstop; the engine's reaper performs the authoritative reap.
func expiry(meta *sessions.SessionMetadata) time.Duration {
	if meta.TTL <= 0 {
		return 0
	}
	// Keep the key around a bit longer than the logical TTL so the reaper
	// can observe and archive the session before Redis drops it.
	return meta.TTL * 2
}
