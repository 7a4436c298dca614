// Package redis provides a Redis-backed storage.Archiver. Final states are
// stored as JSON under a key prefix; summaries are produced by scanning the
// prefix.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/storage"
)

type Archiver struct {
	client    *redis.Client
	keyPrefix string
}

var _ storage.Archiver = (*Archiver)(nil)

// New wraps an existing client. keyPrefix defaults to "collab:archive:".
func New(client *redis.Client, keyPrefix string) *Archiver {
	if keyPrefix == "" {
		keyPrefix = "collab:archive:"
	}
	return &Archiver{client: client, keyPrefix: keyPrefix}
}

func (a *Archiver) key(token string) string { return a.keyPrefix + token }

func (a *Archiver) SaveFinalState(ctx context.Context, token string, state storage.FinalState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal final state: %w", err)
	}
	if err := a.client.Set(ctx, a.key(token), raw, 0).Err(); err != nil {
		return fmt.Errorf("set final state: %w", err)
	}
	return nil
}

func (a *Archiver) LoadPublicSummaries(ctx context.Context) ([]collab.SessionSummary, error) {
	var out []collab.SessionSummary
	iter := a.client.Scan(ctx, 0, a.key("*"), 64).Iterator()
	for iter.Next(ctx) {
		raw, err := a.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("get %s: %w", iter.Val(), err)
		}
		var st storage.FinalState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", iter.Val(), err)
		}
		out = append(out, collab.SessionSummary{
			Token:        st.Token,
			Title:        st.Title,
			Language:     st.Language,
			LastActivity: st.ClosedAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}
