package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peergrid/collab-server-go/auth/authtest"
	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/streaminghttp"

	"github.com/peergrid/collab-server-go/sessions/memoryhost"
)

const participantHeader = "Collab-Participant-Id"

func TestControlPlane(t *testing.T) {
	t.Run("create returns summary", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{
			"title":    "pairing on the parser",
			"language": "go",
			"capacity": 4,
		})
		if sum.Token == "" {
			t.Fatalf("missing session token")
		}
		if want, got := "go", sum.Language; want != got {
			t.Fatalf("unexpected language: want %q got %q", want, got)
		}
		if want, got := 4, sum.Capacity; want != got {
			t.Fatalf("unexpected capacity: want %d got %d", want, got)
		}
		if want, got := collab.VisibilityPublic, sum.Visibility; want != got {
			t.Fatalf("unexpected visibility: want %q got %q", want, got)
		}
	})

	t.Run("create rejects empty title", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		resp := mustDoJSON(t, srv, http.MethodPost, "/sessions", "alice", "", map[string]any{"title": "  "})
		defer resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		msg := mustDecodeServerMessage(t, resp.Body)
		if msg.Error == nil || msg.Error.Code != "validation" {
			t.Fatalf("expected validation error, got %+v", msg.Error)
		}
	})

	t.Run("get unknown session is 404", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		resp := mustDoJSON(t, srv, http.MethodGet, "/sessions/no-such-token", "alice", "", nil)
		defer resp.Body.Close()
		if want, got := http.StatusNotFound, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		msg := mustDecodeServerMessage(t, resp.Body)
		if msg.Error == nil || msg.Error.Code != "not-found" {
			t.Fatalf("expected not-found error, got %+v", msg.Error)
		}
	})

	t.Run("list shows public sessions only", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		pub := mustCreateSession(t, srv, "alice", map[string]any{"title": "open mic"})
		mustCreateSession(t, srv, "alice", map[string]any{
			"title":      "secret review",
			"visibility": "private",
			"invited":    []string{"bob"},
		})

		resp := mustDoJSON(t, srv, http.MethodGet, "/sessions", "bob", "", nil)
		defer resp.Body.Close()
		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		var page struct {
			Sessions   []collab.SessionSummary `json:"sessions"`
			NextCursor string                  `json:"nextCursor"`
		}
		mustDecodeJSON(t, resp.Body, &page)
		if want, got := 1, len(page.Sessions); want != got {
			t.Fatalf("unexpected session count: want %d got %d", want, got)
		}
		if want, got := pub.Token, page.Sessions[0].Token; want != got {
			t.Fatalf("unexpected token: want %q got %q", want, got)
		}
	})

	t.Run("host closes session via DELETE", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "short lived"})
		hostID, _ := mustJoin(t, srv, "alice", sum.Token)
		guestID, _ := mustJoin(t, srv, "bob", sum.Token)

		// A non-host cannot close the session.
		resp := mustDoJSON(t, srv, http.MethodDelete, "/sessions/"+sum.Token, "bob", guestID, nil)
		resp.Body.Close()
		if want, got := http.StatusForbidden, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}

		resp = mustDoJSON(t, srv, http.MethodDelete, "/sessions/"+sum.Token, "alice", hostID, nil)
		resp.Body.Close()
		if want, got := http.StatusNoContent, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}

		resp = mustDoJSON(t, srv, http.MethodGet, "/sessions/"+sum.Token, "alice", "", nil)
		resp.Body.Close()
		if want, got := http.StatusNotFound, resp.StatusCode; want != got {
			t.Fatalf("unexpected status after close: want %d got %d", want, got)
		}
	})
}

func TestAuthentication(t *testing.T) {
	t.Run("missing header yields bare challenge", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusUnauthorized, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		challenge := resp.Header.Get("WWW-Authenticate")
		if !strings.HasPrefix(challenge, "Bearer") || strings.Contains(challenge, "error=") {
			t.Fatalf("expected bare bearer challenge, got %q", challenge)
		}
	})

	t.Run("malformed header is invalid_request", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if challenge := resp.Header.Get("WWW-Authenticate"); !strings.Contains(challenge, "invalid_request") {
			t.Fatalf("expected invalid_request challenge, got %q", challenge)
		}
	})

	t.Run("rejected token is invalid_token", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer nope")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusUnauthorized, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if challenge := resp.Header.Get("WWW-Authenticate"); !strings.Contains(challenge, "invalid_token") {
			t.Fatalf("expected invalid_token challenge, got %q", challenge)
		}
	})
}

func TestMessageLane(t *testing.T) {
	t.Run("join over messages returns session state", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "joinable"})
		resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "alice", "", map[string]any{
			"kind": "join-session",
			"join": map[string]any{"displayName": "Alice"},
		})
		defer resp.Body.Close()
		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if resp.Header.Get(participantHeader) == "" {
			t.Fatalf("missing %s header on join response", participantHeader)
		}
		msg := mustDecodeServerMessage(t, resp.Body)
		if msg.Kind != collab.ServerSessionState || msg.SessionState == nil {
			t.Fatalf("expected session-state, got %+v", msg)
		}
		if want, got := 1, len(msg.SessionState.Participants); want != got {
			t.Fatalf("unexpected participant count: want %d got %d", want, got)
		}
		if want, got := collab.RoleHost, msg.SessionState.Participants[0].Role; want != got {
			t.Fatalf("first joiner should be host, got %q", got)
		}
	})

	t.Run("accepted code change comes back transformed", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "editing"})
		aliceID, _ := mustJoin(t, srv, "alice", sum.Token)

		resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "alice", aliceID, map[string]any{
			"kind": "code-change",
			"codeChange": map[string]any{
				"baseVersion": 0,
				"operation": map[string]any{
					"kind":     "insert",
					"position": map[string]any{"line": 0, "column": 0},
					"content":  "package main\n",
				},
			},
		})
		defer resp.Body.Close()
		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		msg := mustDecodeServerMessage(t, resp.Body)
		if msg.Kind != collab.ServerCodeUpdate || msg.CodeUpdate == nil {
			t.Fatalf("expected code-update, got %+v", msg)
		}
		if want, got := int64(1), msg.CodeUpdate.Version; want != got {
			t.Fatalf("unexpected version: want %d got %d", want, got)
		}
		if want, got := aliceID, msg.CodeUpdate.By; want != got {
			t.Fatalf("unexpected author: want %q got %q", want, got)
		}
	})

	t.Run("stale change beyond lookback carries resync snapshot", func(t *testing.T) {
		srv := mustServer(t, streaminghttp.WithEngineOptions(streaminghttp.WithMaxLookback(1)))
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "conflicting"})
		aliceID, _ := mustJoin(t, srv, "alice", sum.Token)

		for i := 0; i < 3; i++ {
			resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "alice", aliceID, map[string]any{
				"kind": "code-change",
				"codeChange": map[string]any{
					"baseVersion": i,
					"operation": map[string]any{
						"kind":     "insert",
						"position": map[string]any{"line": 0, "column": i},
						"content":  "x",
					},
				},
			})
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("setup change %d: status %d", i, resp.StatusCode)
			}
		}

		resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "alice", aliceID, map[string]any{
			"kind": "code-change",
			"codeChange": map[string]any{
				"baseVersion": 0,
				"operation": map[string]any{
					"kind":     "insert",
					"position": map[string]any{"line": 0, "column": 0},
					"content":  "y",
				},
			},
		})
		defer resp.Body.Close()
		if want, got := http.StatusConflict, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		msg := mustDecodeServerMessage(t, resp.Body)
		if msg.Error == nil || msg.Error.Code != "conflict" {
			t.Fatalf("expected conflict error, got %+v", msg.Error)
		}
		if msg.Error.Resync == nil {
			t.Fatalf("conflict error missing resync snapshot")
		}
		if want, got := "xxx", msg.Error.Resync.Buffer; want != got {
			t.Fatalf("unexpected resync buffer: want %q got %q", want, got)
		}
	})

	t.Run("chat language settings heartbeat leave are accepted", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "kitchen sink"})
		aliceID, _ := mustJoin(t, srv, "alice", sum.Token)

		for _, tc := range []struct {
			name string
			body map[string]any
		}{
			{"chat", map[string]any{"kind": "session-chat", "chat": map[string]any{"body": "hello"}}},
			{"language", map[string]any{"kind": "language-change", "languageChange": map[string]any{"language": "python"}}},
			{"settings", map[string]any{"kind": "settings-change", "settingsChange": map[string]any{"settings": map[string]any{"editPolicy": "host-only", "chatEnabled": true}}}},
			{"heartbeat", map[string]any{"kind": "heartbeat"}},
			{"leave", map[string]any{"kind": "leave"}},
		} {
			resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "alice", aliceID, tc.body)
			resp.Body.Close()
			if want, got := http.StatusAccepted, resp.StatusCode; want != got {
				t.Fatalf("%s: unexpected status: want %d got %d", tc.name, want, got)
			}
		}
	})

	t.Run("host only edit policy rejects guests", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{
			"title":    "locked down",
			"settings": map[string]any{"editPolicy": "host-only", "chatEnabled": true},
		})
		mustJoin(t, srv, "alice", sum.Token)
		bobID, _ := mustJoin(t, srv, "bob", sum.Token)

		resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "bob", bobID, map[string]any{
			"kind": "code-change",
			"codeChange": map[string]any{
				"baseVersion": 0,
				"operation": map[string]any{
					"kind":     "insert",
					"position": map[string]any{"line": 0, "column": 0},
					"content":  "nope",
				},
			},
		})
		defer resp.Body.Close()
		if want, got := http.StatusForbidden, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		msg := mustDecodeServerMessage(t, resp.Body)
		if msg.Error == nil || msg.Error.Code != "forbidden" {
			t.Fatalf("expected forbidden error, got %+v", msg.Error)
		}
	})

	t.Run("unknown kind is rejected at decode", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "strict"})
		aliceID, _ := mustJoin(t, srv, "alice", sum.Token)

		resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "alice", aliceID, map[string]any{"kind": "telepathy"})
		defer resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("missing participant header is rejected", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "anonymous"})
		mustJoin(t, srv, "alice", sum.Token)

		resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "alice", "", map[string]any{"kind": "heartbeat"})
		defer resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})
}

func TestEventStream(t *testing.T) {
	t.Run("chat fans out to other participants in order", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "chatty"})
		aliceID, _ := mustJoin(t, srv, "alice", sum.Token)
		bobID, _ := mustJoin(t, srv, "bob", sum.Token)

		resp, events := startStream(t, srv, "bob", sum.Token, bobID, "")
		defer resp.Body.Close()

		// Give the subscription a moment to attach before publishing.
		time.Sleep(100 * time.Millisecond)

		for _, body := range []string{"first", "second"} {
			r := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "alice", aliceID, map[string]any{
				"kind": "session-chat",
				"chat": map[string]any{"body": body},
			})
			r.Body.Close()
			if r.StatusCode != http.StatusAccepted {
				t.Fatalf("chat post status: %d", r.StatusCode)
			}
		}

		first := waitForKind(t, events, collab.ServerChatMessage)
		if want, got := "first", first.ChatMessage.Body; want != got {
			t.Fatalf("unexpected first chat body: want %q got %q", want, got)
		}
		if want, got := aliceID, first.ChatMessage.AuthorID; want != got {
			t.Fatalf("unexpected chat author: want %q got %q", want, got)
		}
		second := waitForKind(t, events, collab.ServerChatMessage)
		if want, got := "second", second.ChatMessage.Body; want != got {
			t.Fatalf("unexpected second chat body: want %q got %q", want, got)
		}
	})

	t.Run("code updates reach the stream with event ids", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "streamed edits"})
		aliceID, _ := mustJoin(t, srv, "alice", sum.Token)
		bobID, _ := mustJoin(t, srv, "bob", sum.Token)

		resp, events := startStream(t, srv, "bob", sum.Token, bobID, "")
		defer resp.Body.Close()
		time.Sleep(100 * time.Millisecond)

		r := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/messages", "alice", aliceID, map[string]any{
			"kind": "code-change",
			"codeChange": map[string]any{
				"baseVersion": 0,
				"operation": map[string]any{
					"kind":     "insert",
					"position": map[string]any{"line": 0, "column": 0},
					"content":  "streamed",
				},
			},
		})
		r.Body.Close()
		if r.StatusCode != http.StatusOK {
			t.Fatalf("code change status: %d", r.StatusCode)
		}

		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before code update")
			}
			if evt.id == "" {
				t.Fatalf("stream event missing id")
			}
			var msg collab.ServerMessage
			mustUnmarshalJSON(t, evt.data, &msg)
			if msg.Kind != collab.ServerCodeUpdate || msg.CodeUpdate == nil {
				t.Fatalf("expected code-update, got %+v", msg)
			}
			if want, got := int64(1), msg.CodeUpdate.Version; want != got {
				t.Fatalf("unexpected version: want %d got %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for code update")
		}
	})

	t.Run("missing participant header is rejected", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "no header"})
		mustJoin(t, srv, "alice", sum.Token)

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions/"+sum.Token+"/stream", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer user:alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("unknown participant is rejected", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "strangers"})
		mustJoin(t, srv, "alice", sum.Token)

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions/"+sum.Token+"/stream", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer user:mallory")
		req.Header.Set(participantHeader, "not-a-participant")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusForbidden, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("unresumable last event id yields resync event", func(t *testing.T) {
		srv := mustServer(t)
		defer srv.Close()

		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "lost history"})
		aliceID, _ := mustJoin(t, srv, "alice", sum.Token)

		resp, events := startStream(t, srv, "alice", sum.Token, aliceID, "bogus-event-id")
		defer resp.Body.Close()

		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatalf("stream closed without resync event")
			}
			var msg collab.ServerMessage
			mustUnmarshalJSON(t, evt.data, &msg)
			if msg.Kind != collab.ServerError || msg.Error == nil {
				t.Fatalf("expected error message, got %+v", msg)
			}
			if msg.Error.Resync == nil {
				t.Fatalf("resync snapshot missing")
			}
			if want, got := sum.Token, msg.Error.Resync.Token; want != got {
				t.Fatalf("unexpected snapshot token: want %q got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for resync event")
		}
	})
}

// Engine behavior is tunable through the handler's exported option surface
// alone; nothing here names an internal package.
func TestEngineOptionConfiguration(t *testing.T) {
	srv := mustServer(t, streaminghttp.WithEngineOptions(
		streaminghttp.WithCapacityLimits(1, 2),
	))
	defer srv.Close()

	t.Run("default capacity comes from options", func(t *testing.T) {
		sum := mustCreateSession(t, srv, "alice", map[string]any{"title": "solo"})
		if want, got := 1, sum.Capacity; want != got {
			t.Fatalf("capacity: want %d got %d", want, got)
		}
		mustJoin(t, srv, "alice", sum.Token)

		resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+sum.Token+"/join", "bob", "", map[string]any{"displayName": "bob"})
		defer resp.Body.Close()
		if want, got := http.StatusConflict, resp.StatusCode; want != got {
			t.Fatalf("join status: want %d got %d", want, got)
		}
	})

	t.Run("capacity ceiling comes from options", func(t *testing.T) {
		resp := mustDoJSON(t, srv, http.MethodPost, "/sessions", "alice", "", map[string]any{
			"title":    "too big",
			"capacity": 3,
		})
		defer resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("create status: want %d got %d", want, got)
		}
	})
}

// ============================================================================
// Test Server Utility
// ============================================================================

func mustServer(t *testing.T, options ...streaminghttp.Option) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))

	opts := append([]streaminghttp.Option{
		streaminghttp.WithLogger(slog.New(testLogHandler(t))),
	}, options...)
	h, err := streaminghttp.New(ctx, srv.URL+"/v1", memoryhost.New(), &authtest.PrefixAuth{Prefix: "user:"}, opts...)
	if err != nil {
		srv.Close()
		t.Fatalf("failed to create handler: %v", err)
	}
	handler = h
	return srv
}

// mustDoJSON sends a JSON request as the given user; a nil body sends no
// payload. participantID, when non-empty, rides the participant header.
func mustDoJSON(t *testing.T, srv *httptest.Server, method, path, user, participantID string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+"/v1"+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer user:"+user)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if participantID != "" {
		req.Header.Set(participantHeader, participantID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	return resp
}

func mustCreateSession(t *testing.T, srv *httptest.Server, user string, body map[string]any) collab.SessionSummary {
	t.Helper()
	resp := mustDoJSON(t, srv, http.MethodPost, "/sessions", user, "", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("create session status %d: %s", resp.StatusCode, raw)
	}
	var sum collab.SessionSummary
	mustDecodeJSON(t, resp.Body, &sum)
	return sum
}

func mustJoin(t *testing.T, srv *httptest.Server, user, token string) (string, collab.SessionSnapshot) {
	t.Helper()
	resp := mustDoJSON(t, srv, http.MethodPost, "/sessions/"+token+"/join", user, "", map[string]any{"displayName": user})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("join status %d: %s", resp.StatusCode, raw)
	}
	var res struct {
		ParticipantID string                 `json:"participantId"`
		State         collab.SessionSnapshot `json:"state"`
	}
	mustDecodeJSON(t, resp.Body, &res)
	if res.ParticipantID == "" {
		t.Fatalf("join response missing participant id")
	}
	return res.ParticipantID, res.State
}

type sseEvent struct {
	id    string
	event string
	data  []byte
}

// startStream opens the participant's SSE stream and pumps events onto the
// returned channel until the stream ends.
func startStream(t *testing.T, srv *httptest.Server, user, token, participantID, lastEventID string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions/"+token+"/stream", nil)
	if err != nil {
		t.Fatalf("new stream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer user:"+user)
	req.Header.Set(participantHeader, participantID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("stream status %d: %s", resp.StatusCode, raw)
	}
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		br := bufio.NewReader(resp.Body)
		for {
			evt, err := readOneSSE(br)
			if err != nil {
				return
			}
			ch <- evt
		}
	}()
	return resp, ch
}

// waitForKind reads stream events until one decodes to the wanted kind.
func waitForKind(t *testing.T, ch <-chan sseEvent, kind collab.ServerMessageKind) collab.ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed while waiting for %s", kind)
			}
			var msg collab.ServerMessage
			mustUnmarshalJSON(t, evt.data, &msg)
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func readOneSSE(br *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end of event
			if dataBuf.Len() == 0 {
				continue // skip comment-only frames
			}
			event.data = append([]byte(nil), dataBuf.Bytes()...)
			return event, nil
		}
		if strings.HasPrefix(line, "event: ") {
			event.event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if strings.HasPrefix(line, "id: ") {
			event.id = strings.TrimPrefix(line, "id: ")
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			if dataBuf.Len() > 0 { // support multi-line data although we emit single line
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		// ignore other fields and continue
	}
}

func mustDecodeJSON[T any](t *testing.T, r io.Reader, v *T) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func mustDecodeServerMessage(t *testing.T, r io.Reader) collab.ServerMessage {
	t.Helper()
	raw, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var msg collab.ServerMessage
	mustUnmarshalJSON(t, raw, &msg)
	return msg
}

// logBridge forwards slog output to the test log so failures carry server
// context.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()
	b.t.Log(string(output))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}
