// Package memoryhost provides an in-memory sessions.SessionHost suitable for
// single-process servers and tests. Events are retained for the life of the
// stream; there is no cross-process visibility.
package memoryhost
