// Package sessionhosttest provides a conformance suite for
// sessions.SessionHost implementations. Host packages run the suite from
// their own tests via a factory.
package sessionhosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/sessions"
)

// HostFactory creates a fresh SessionHost for one test.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the complete conformance suite.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Streams_PublishThenSubscribeFromNext", func(t *testing.T) { testPublishThenSubscribeFromNext(t, factory) })
	t.Run("Streams_ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("Streams_IsolationBetweenStreams", func(t *testing.T) { testStreamIsolation(t, factory) })
	t.Run("Streams_SubscriberCancellation", func(t *testing.T) { testSubscriberCancellation(t, factory) })
	t.Run("Streams_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("Streams_ResumeFromUnknownEventID", func(t *testing.T) { testResumeFromUnknownEventID(t, factory) })
	t.Run("Streams_FanOutToMultipleSubscribers", func(t *testing.T) { testFanOut(t, factory) })

	t.Run("Metadata_CreateGetDelete", func(t *testing.T) { testMetadataCreateGetDelete(t, factory) })
	t.Run("Metadata_CreateDuplicateRejected", func(t *testing.T) { testMetadataDuplicate(t, factory) })
	t.Run("Metadata_Mutate", func(t *testing.T) { testMetadataMutate(t, factory) })
	t.Run("Metadata_TouchAdvancesLastActivity", func(t *testing.T) { testMetadataTouch(t, factory) })
	t.Run("Metadata_List", func(t *testing.T) { testMetadataList(t, factory) })
}

func newMeta(token string) *sessions.SessionMetadata {
	now := time.Now().UTC()
	return &sessions.SessionMetadata{
		Token:        token,
		Title:        "pairing on " + token,
		Language:     "go",
		Visibility:   collab.VisibilityPublic,
		Capacity:     4,
		Settings:     collab.DefaultSettings(),
		CreatedBy:    "user-1",
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
		TTL:          time.Minute,
	}
}

// collectN subscribes and gathers n events, then cancels the subscription.
func collectN(ctx context.Context, t *testing.T, h sessions.SessionHost, streamID, lastEventID string, n int) ([]string, []string) {
	t.Helper()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var ids, bodies []string

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeStream(subCtx, streamID, lastEventID, func(ctx context.Context, eventID string, data []byte) error {
			mu.Lock()
			ids = append(ids, eventID)
			bodies = append(bodies, string(data))
			got := len(ids)
			mu.Unlock()
			if got == n {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), ids...), append([]string(nil), bodies...)
}

func testPublishThenSubscribeFromNext(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Published before any subscriber exists; a fresh subscription must not
	// see it.
	if _, err := h.PublishStream(ctx, "s1", []byte("early")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeStream(subCtx, "s1", "", func(ctx context.Context, eventID string, data []byte) error {
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
			subCancel()
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := h.PublishStream(ctx, "s1", []byte("live")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "live" {
		t.Fatalf("got %v, want [live]", got)
	}
}

func testResumeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var evIDs []string
	for i := 0; i < 3; i++ {
		id, err := h.PublishStream(ctx, "s2", []byte(fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		evIDs = append(evIDs, id)
	}

	_, bodies := collectN(ctx, t, h, "s2", evIDs[0], 2)
	if len(bodies) != 2 || bodies[0] != "m1" || bodies[1] != "m2" {
		t.Fatalf("resumed bodies = %v, want [m1 m2]", bodies)
	}
}

func testStreamIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id1, err := h.PublishStream(ctx, "iso-a", []byte("a"))
	if err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := h.PublishStream(ctx, "iso-b", []byte("b")); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	// Resuming iso-a after its only event must deliver nothing from iso-b;
	// the subscription idles until the short deadline fires.
	subCtx, subCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer subCancel()
	err = h.SubscribeStream(subCtx, "iso-a", id1, func(ctx context.Context, eventID string, data []byte) error {
		return fmt.Errorf("unexpected event %q on iso-a", data)
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe: %v", err)
	}
}

func testSubscriberCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeStream(ctx, "s3", "", func(ctx context.Context, eventID string, data []byte) error {
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not observe cancellation")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sentinel := errors.New("handler boom")
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeStream(ctx, "s4", "", func(ctx context.Context, eventID string, data []byte) error {
			return sentinel
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := h.PublishStream(ctx, "s4", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, sentinel) {
			t.Fatalf("subscribe returned %v, want handler error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler error did not stop subscription")
	}
}

func testResumeFromUnknownEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.PublishStream(ctx, "s5", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	err := h.SubscribeStream(ctx, "s5", "no-such-event", func(ctx context.Context, eventID string, data []byte) error {
		return nil
	})
	if !errors.Is(err, sessions.ErrEventNotFound) {
		t.Fatalf("subscribe returned %v, want ErrEventNotFound", err)
	}
}

func testFanOut(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const subscribers = 3
	var wg sync.WaitGroup
	results := make([][]string, subscribers)
	cancels := make([]context.CancelFunc, subscribers)

	for i := 0; i < subscribers; i++ {
		i := i
		subCtx, subCancel := context.WithCancel(ctx)
		cancels[i] = subCancel
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.SubscribeStream(subCtx, "fan", "", func(ctx context.Context, eventID string, data []byte) error {
				results[i] = append(results[i], string(data))
				if len(results[i]) == 2 {
					subCancel()
				}
				return nil
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	for _, body := range []string{"one", "two"} {
		if _, err := h.PublishStream(ctx, "fan", []byte(body)); err != nil {
			t.Fatalf("publish %s: %v", body, err)
		}
	}

	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("fan-out subscribers did not finish")
	}

	for i, got := range results {
		if len(got) != 2 || got[0] != "one" || got[1] != "two" {
			t.Fatalf("subscriber %d got %v, want [one two]", i, got)
		}
	}
}

// --- Metadata tests ---

func testMetadataCreateGetDelete(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	meta := newMeta("tok-1")
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := h.GetSession(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != meta.Title || got.Capacity != 4 || got.Language != "go" {
		t.Fatalf("got %+v", got)
	}

	if err := h.DeleteSession(ctx, "tok-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.GetSession(ctx, "tok-1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("get after delete: %v, want ErrSessionNotFound", err)
	}
	// Idempotent delete.
	if err := h.DeleteSession(ctx, "tok-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func testMetadataDuplicate(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.CreateSession(ctx, newMeta("dup")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.CreateSession(ctx, newMeta("dup")); !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("duplicate create: %v, want ErrSessionExists", err)
	}
}

func testMetadataMutate(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.CreateSession(ctx, newMeta("mut")); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := h.MutateSession(ctx, "mut", func(m *sessions.SessionMetadata) error {
		m.Language = "python"
		m.ParticipantCount = 2
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	got, err := h.GetSession(ctx, "mut")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Language != "python" || got.ParticipantCount != 2 {
		t.Fatalf("got %+v", got)
	}

	// fn error aborts.
	boom := errors.New("nope")
	if err := h.MutateSession(ctx, "mut", func(m *sessions.SessionMetadata) error {
		m.Language = "ruby"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("mutate error: %v", err)
	}
	got, _ = h.GetSession(ctx, "mut")
	if got.Language != "python" {
		t.Fatalf("aborted mutation leaked: language = %q", got.Language)
	}

	if err := h.MutateSession(ctx, "ghost", func(m *sessions.SessionMetadata) error { return nil }); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("mutate unknown: %v", err)
	}
}

func testMetadataTouch(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	meta := newMeta("touch")
	meta.LastActivity = time.Now().UTC().Add(-time.Hour)
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("create: %v", err)
	}

	before, _ := h.GetSession(ctx, "touch")
	if err := h.TouchSession(ctx, "touch"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ := h.GetSession(ctx, "touch")
	if !after.LastActivity.After(before.LastActivity) {
		t.Fatalf("touch did not advance lastActivity: %v -> %v", before.LastActivity, after.LastActivity)
	}
}

func testMetadataList(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	for _, tok := range []string{"l1", "l2", "l3"} {
		if err := h.CreateSession(ctx, newMeta(tok)); err != nil {
			t.Fatalf("create %s: %v", tok, err)
		}
	}

	all, err := h.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d sessions, want 3", len(all))
	}
	seen := map[string]bool{}
	for _, m := range all {
		seen[m.Token] = true
	}
	for _, tok := range []string{"l1", "l2", "l3"} {
		if !seen[tok] {
			t.Fatalf("token %s missing from list", tok)
		}
	}
}
