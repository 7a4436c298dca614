package memoryhost

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/peergrid/collab-server-go/sessions"
)

// Host is an in-memory implementation of sessions.SessionHost. It is intended
// for single-process deployments and tests.
type Host struct {
	mu      sync.RWMutex
	streams map[string]*streamData
	metas   map[string]*sessions.SessionMetadata
	counter int64
	closed  bool
}

type streamData struct {
	mu       sync.Mutex
	events   []event
	notify   chan struct{} // closed and replaced on every publish/cleanup
	shutdown bool
}

type event struct {
	id   string
	data []byte
}

func New() *Host {
	return &Host{
		streams: make(map[string]*streamData),
		metas:   make(map[string]*sessions.SessionMetadata),
	}
}

var _ sessions.SessionHost = (*Host)(nil)

func (h *Host) ensureStream(streamID string) *streamData {
	h.mu.Lock()
	defer h.mu.Unlock()
	sd, ok := h.streams[streamID]
	if !ok {
		sd = &streamData{notify: make(chan struct{})}
		h.streams[streamID] = sd
	}
	return sd
}

// --- Messaging ---

func (h *Host) PublishStream(ctx context.Context, streamID string, data []byte) (string, error) {
	h.mu.Lock()
	h.counter++
	id := strconv.FormatInt(h.counter, 10)
	h.mu.Unlock()

	sd := h.ensureStream(streamID)

	sd.mu.Lock()
	sd.events = append(sd.events, event{id: id, data: append([]byte(nil), data...)})
	close(sd.notify)
	sd.notify = make(chan struct{})
	sd.mu.Unlock()

	return id, nil
}

func (h *Host) SubscribeStream(ctx context.Context, streamID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	sd := h.ensureStream(streamID)

	sd.mu.Lock()
	next := len(sd.events)
	if lastEventID != "" {
		found := false
		for i := range sd.events {
			if sd.events[i].id == lastEventID {
				next = i + 1
				found = true
				break
			}
		}
		if !found {
			sd.mu.Unlock()
			return sessions.ErrEventNotFound
		}
	}
	sd.mu.Unlock()

	for {
		sd.mu.Lock()
		if sd.shutdown {
			sd.mu.Unlock()
			return nil
		}
		var pending []event
		if next < len(sd.events) {
			pending = make([]event, len(sd.events)-next)
			copy(pending, sd.events[next:])
			next = len(sd.events)
		}
		notify := sd.notify
		sd.mu.Unlock()

		for _, ev := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, ev.id, ev.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

func (h *Host) CleanupStream(ctx context.Context, streamID string) error {
	h.mu.Lock()
	sd, ok := h.streams[streamID]
	if ok {
		delete(h.streams, streamID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	sd.mu.Lock()
	sd.shutdown = true
	close(sd.notify)
	sd.notify = make(chan struct{})
	sd.mu.Unlock()
	return nil
}

// --- Metadata ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.metas[meta.Token]; ok {
		return sessions.ErrSessionExists
	}
	h.metas[meta.Token] = meta.Clone()
	return nil
}

func (h *Host) GetSession(ctx context.Context, token string) (*sessions.SessionMetadata, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	meta, ok := h.metas[token]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return meta.Clone(), nil
}

func (h *Host) MutateSession(ctx context.Context, token string, fn func(*sessions.SessionMetadata) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	meta, ok := h.metas[token]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	cp := meta.Clone()
	if err := fn(cp); err != nil {
		return err
	}
	now := time.Now().UTC()
	cp.UpdatedAt = now
	cp.LastActivity = now
	h.metas[token] = cp
	return nil
}

func (h *Host) TouchSession(ctx context.Context, token string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	meta, ok := h.metas[token]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	meta.LastActivity = time.Now().UTC()
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, token string) error {
	h.mu.Lock()
	delete(h.metas, token)
	h.mu.Unlock()
	return nil
}

func (h *Host) ListSessions(ctx context.Context) ([]*sessions.SessionMetadata, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*sessions.SessionMetadata, 0, len(h.metas))
	for _, meta := range h.metas {
		out = append(out, meta.Clone())
	}
	return out, nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[string]*streamData)
	h.metas = make(map[string]*sessions.SessionMetadata)
	h.closed = true
	h.mu.Unlock()
	for _, sd := range streams {
		sd.mu.Lock()
		sd.shutdown = true
		close(sd.notify)
		sd.notify = make(chan struct{})
		sd.mu.Unlock()
	}
	return nil
}
