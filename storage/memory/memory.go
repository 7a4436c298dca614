// Package memory provides an in-memory storage.Archiver for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/storage"
)

type Archiver struct {
	mu     sync.RWMutex
	states map[string]storage.FinalState
}

var _ storage.Archiver = (*Archiver)(nil)

func New() *Archiver {
	return &Archiver{states: make(map[string]storage.FinalState)}
}

func (a *Archiver) SaveFinalState(ctx context.Context, token string, state storage.FinalState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[token] = state
	return nil
}

func (a *Archiver) LoadPublicSummaries(ctx context.Context) ([]collab.SessionSummary, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]collab.SessionSummary, 0, len(a.states))
	for _, st := range a.states {
		out = append(out, collab.SessionSummary{
			Token:        st.Token,
			Title:        st.Title,
			Language:     st.Language,
			LastActivity: st.ClosedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// Get returns the archived state for token, for test assertions.
func (a *Archiver) Get(token string) (storage.FinalState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[token]
	return st, ok
}
