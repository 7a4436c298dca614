package collab

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestClientMessageDecode(t *testing.T) {
	t.Run("code-change requires payload", func(t *testing.T) {
		var m ClientMessage
		err := json.Unmarshal([]byte(`{"kind":"code-change"}`), &m)
		if err == nil {
			t.Fatal("expected decode error for missing payload")
		}
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		var m ClientMessage
		err := json.Unmarshal([]byte(`{"kind":"emote"}`), &m)
		if err == nil || !strings.Contains(err.Error(), "unknown client message kind") {
			t.Fatalf("expected unknown-kind error, got %v", err)
		}
	})

	t.Run("mismatched payload rejected", func(t *testing.T) {
		var m ClientMessage
		err := json.Unmarshal([]byte(`{"kind":"heartbeat","chat":{"body":"hi"}}`), &m)
		if err == nil {
			t.Fatal("expected decode error for heartbeat with payload")
		}
	})

	t.Run("valid code-change", func(t *testing.T) {
		var m ClientMessage
		raw := `{"kind":"code-change","codeChange":{"baseVersion":3,"operation":{"kind":"insert","position":{"line":0,"column":2},"content":"x"}}}`
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.Kind != ClientCodeChange {
			t.Fatalf("kind = %q", m.Kind)
		}
		if m.CodeChange.BaseVersion != 3 {
			t.Fatalf("baseVersion = %d", m.CodeChange.BaseVersion)
		}
		if m.CodeChange.Operation.Kind != OpInsert || m.CodeChange.Operation.Content != "x" {
			t.Fatalf("operation = %+v", m.CodeChange.Operation)
		}
	})

	t.Run("join payload optional", func(t *testing.T) {
		var m ClientMessage
		if err := json.Unmarshal([]byte(`{"kind":"join-session"}`), &m); err != nil {
			t.Fatalf("bare join: %v", err)
		}
		if err := json.Unmarshal([]byte(`{"kind":"join-session","join":{"displayName":"Ada"}}`), &m); err != nil {
			t.Fatalf("join with name: %v", err)
		}
		if m.Join == nil || m.Join.DisplayName != "Ada" {
			t.Fatalf("join payload = %+v", m.Join)
		}
	})
}

func TestServerMessageDecode(t *testing.T) {
	t.Run("error roundtrip", func(t *testing.T) {
		src := ServerMessage{
			Kind:  ServerError,
			Error: &ErrorPayload{Code: "forbidden", Message: "edit policy is host-only"},
		}
		b, err := json.Marshal(src)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got ServerMessage
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Error == nil || got.Error.Code != "forbidden" {
			t.Fatalf("error payload = %+v", got.Error)
		}
	})

	t.Run("missing payload rejected", func(t *testing.T) {
		var m ServerMessage
		if err := json.Unmarshal([]byte(`{"kind":"code-update"}`), &m); err == nil {
			t.Fatal("expected decode error for code-update without payload")
		}
	})
}

func TestOperationValidate(t *testing.T) {
	cases := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{"insert ok", Operation{Kind: OpInsert, Content: "x"}, false},
		{"insert without content", Operation{Kind: OpInsert}, true},
		{"insert with length", Operation{Kind: OpInsert, Content: "x", Length: 1}, true},
		{"delete ok", Operation{Kind: OpDelete, Length: 2}, false},
		{"delete zero length", Operation{Kind: OpDelete}, true},
		{"delete with content", Operation{Kind: OpDelete, Length: 1, Content: "y"}, true},
		{"replace ok", Operation{Kind: OpReplace, Length: 1, Content: "z"}, false},
		{"negative position", Operation{Kind: OpInsert, Content: "x", Position: Position{Line: -1}}, true},
		{"unknown kind", Operation{Kind: OpKind("move")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.op.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}
