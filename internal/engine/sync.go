package engine

import (
	"errors"
	"strings"

	"github.com/peergrid/collab-server-go/collab"
)

// errTooStale signals that a mutation's base version fell outside the op-log
// lookback window. The actor converts it into a ConflictError carrying the
// authoritative snapshot.
var errTooStale = errors.New("base version outside lookback window")

// oplogEntry records one accepted mutation in normalized flat form: the byte
// offset it was applied at in the then-current buffer, the bytes it inserted,
// and the bytes it removed. Storing removed text lets the synchronizer
// reconstruct recent buffer states to resolve stale line/column positions,
// and the flat deltas drive position transforms for near-concurrent edits.
// The log is a bounded rolling window, not a permanent edit history.
type oplogEntry struct {
	version  int64
	offset   int
	inserted string
	removed  string
}

// editState is a session's authoritative buffer: text, version, and the
// rolling operation log. All access is serialized by the owning actor.
type editState struct {
	buffer   string
	version  int64
	oplog    []oplogEntry
	lookback int
}

// resolveOffset converts a line/column position to a flat byte offset in
// buffer, rejecting out-of-bounds positions.
func resolveOffset(buffer string, pos collab.Position) (int, error) {
	lines := strings.Split(buffer, "\n")
	if pos.Line >= len(lines) {
		return 0, validationErrorf("line %d out of bounds (%d lines)", pos.Line, len(lines))
	}
	if pos.Column > len(lines[pos.Line]) {
		return 0, validationErrorf("column %d out of bounds on line %d (%d bytes)", pos.Column, pos.Line, len(lines[pos.Line]))
	}
	offset := pos.Column
	for i := 0; i < pos.Line; i++ {
		offset += len(lines[i]) + 1
	}
	return offset, nil
}

// offsetToPosition converts a flat byte offset back to line/column
// coordinates within buffer.
func offsetToPosition(buffer string, offset int) collab.Position {
	if offset > len(buffer) {
		offset = len(buffer)
	}
	nl := strings.LastIndexByte(buffer[:offset], '\n')
	if nl < 0 {
		return collab.Position{Line: 0, Column: offset}
	}
	return collab.Position{
		Line:   strings.Count(buffer[:nl+1], "\n"),
		Column: offset - nl - 1,
	}
}

// applyMutation accepts or rejects one mutation and, on acceptance, advances
// the buffer by exactly one version.
//
// A mutation whose base version equals the current version applies directly.
// A lagging mutation is transformed against every operation accepted since
// its base version, in order: its position is resolved against the
// reconstructed base buffer, then shifted by the length delta of each
// intervening operation that occurred at or before it. A mutation whose base
// version falls outside the rolling lookback window returns errTooStale and
// leaves the buffer untouched.
//
// The returned operation is the applied form, positioned against the buffer
// state immediately before application, which is what every up-to-date
// replica holds when it receives the broadcast.
func (s *editState) applyMutation(mut collab.CodeChangePayload) (collab.Operation, error) {
	op := mut.Operation
	if err := op.Validate(); err != nil {
		return op, &ValidationError{Reason: err.Error()}
	}
	if mut.BaseVersion < 0 {
		return op, validationErrorf("negative base version %d", mut.BaseVersion)
	}
	if mut.BaseVersion > s.version {
		return op, errTooStale
	}
	gap := s.version - mut.BaseVersion
	if gap > int64(len(s.oplog)) {
		return op, errTooStale
	}

	// Reconstruct the buffer as of the mutation's base version so its
	// line/column position can be resolved in the coordinate space the
	// client actually saw.
	base := s.buffer
	for i := len(s.oplog) - 1; i >= 0 && s.oplog[i].version > mut.BaseVersion; i-- {
		e := s.oplog[i]
		if e.offset < 0 || e.offset+len(e.inserted) > len(base) {
			return op, &FatalError{Reason: "operation log inconsistent with buffer"}
		}
		base = base[:e.offset] + e.removed + base[e.offset+len(e.inserted):]
	}

	offset, err := resolveOffset(base, op.Position)
	if err != nil {
		return op, err
	}
	length := op.Length
	if op.Kind != collab.OpInsert && offset+length > len(base) {
		return op, validationErrorf("%s of %d bytes at offset %d exceeds buffer (%d bytes)", op.Kind, length, offset, len(base))
	}

	// Shift the position past every intervening operation at or before it.
	for _, e := range s.oplog {
		if e.version <= mut.BaseVersion {
			continue
		}
		if e.offset <= offset {
			offset += len(e.inserted) - len(e.removed)
			if offset < e.offset {
				offset = e.offset
			}
		}
	}
	if offset > len(s.buffer) {
		offset = len(s.buffer)
	}
	if op.Kind != collab.OpInsert {
		if offset+length > len(s.buffer) {
			length = len(s.buffer) - offset
		}
		if length < 0 {
			length = 0
		}
	}

	var inserted, removed string
	switch op.Kind {
	case collab.OpInsert:
		inserted = op.Content
	case collab.OpDelete:
		removed = s.buffer[offset : offset+length]
	case collab.OpReplace:
		removed = s.buffer[offset : offset+length]
		inserted = op.Content
	}

	applied := collab.Operation{
		Kind:     op.Kind,
		Position: offsetToPosition(s.buffer, offset),
		Content:  inserted,
		Length:   len(removed),
	}

	s.buffer = s.buffer[:offset] + inserted + s.buffer[offset+len(removed):]
	s.version++
	s.oplog = append(s.oplog, oplogEntry{version: s.version, offset: offset, inserted: inserted, removed: removed})
	if len(s.oplog) > s.lookback {
		s.oplog = s.oplog[len(s.oplog)-s.lookback:]
	}

	return applied, nil
}
