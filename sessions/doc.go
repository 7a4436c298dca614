// Package sessions defines the SessionHost contract the collaboration engine
// builds on: ordered per-stream messaging with resume semantics, plus durable
// session metadata with a sliding idle TTL.
//
// Hosts are pluggable. The memoryhost implementation serves single-process
// deployments and tests; the redishost implementation keeps streams and
// metadata in Redis so sessions survive process restarts. The
// sessionhosttest package provides a conformance suite that every host
// implementation must pass.
package sessions
