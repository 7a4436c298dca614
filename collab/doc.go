// Package collab defines the wire protocol and shared domain types for the
// collaborative coding session engine: operations against the shared code
// buffer, session settings and snapshots, and the closed tagged-variant
// message envelopes exchanged between clients and the server.
//
// Messages are deliberately modeled as closed unions (a kind discriminator
// plus exactly one payload) rather than open event names, so consumers can
// switch exhaustively and the decoder rejects malformed frames at the edge.
package collab
