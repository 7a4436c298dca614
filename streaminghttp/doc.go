// Package streaminghttp serves the collaborative-session protocol over HTTP.
// It mounts as a standard net/http handler and provides a small control plane
// for session lifecycle, a JSON POST lane for client messages, and a
// long-lived per-participant event stream (Server-Sent Events).
//
// Responsibilities
//   - Session lifecycle (create, list, introspect, join, close) backed by a
//     pluggable sessions.SessionHost
//   - Authentication (pluggable auth.Authenticator; OIDC discovery, manual
//     JWKS, or test fakes)
//   - Client message dispatch (code changes, chat, language, settings,
//     heartbeat, leave) into the session engine
//   - Ordered per-participant event fan-out with Last-Event-ID resume
//
// Construction
//
//	h, err := streaminghttp.New(
//	    ctx,
//	    "https://api.example/v1", // public endpoint base
//	    host,                      // sessions.SessionHost implementation
//	    authenticator,             // auth.Authenticator
//	)
//
// # Routes
//
// Mounted relative to the public endpoint's path:
//
//	POST   {base}/sessions                  create a session
//	GET    {base}/sessions                  list public sessions (cursor, limit)
//	GET    {base}/sessions/{token}          session summary
//	DELETE {base}/sessions/{token}          host closes the session
//	POST   {base}/sessions/{token}/join     join, returns participant id + state
//	POST   {base}/sessions/{token}/messages client message lane
//	GET    {base}/sessions/{token}/stream   per-participant SSE event stream
//
// Participants identify themselves on the message and stream lanes with the
// Collab-Participant-Id header issued at join time.
//
// # Scaling
//
// Horizontal scale relies on a shared SessionHost. Each node handles any mix
// of requests; ordering for a given participant is preserved by the host's
// stream semantics, not sticky routing.
//
// # Error Handling
//
// Engine rejections map to HTTP status codes and are serialized as the
// protocol's error envelope; a version conflict additionally carries a resync
// snapshot. Authentication failures surface a WWW-Authenticate challenge per
// RFC 6750.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/v1/", h) // route prefix
//	http.ListenAndServe(":8080", mux)
package streaminghttp
