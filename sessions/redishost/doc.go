// Package redishost implements sessions.SessionHost on Redis. Per-stream
// ordered events use Redis streams (XADD/XREAD with resume by event ID);
// session metadata is stored as JSON with a sliding expiry derived from the
// session TTL. Suitable when sessions must survive process restarts; note
// that the engine still owns each live session's actor, so deployments with
// multiple instances need session affinity at the load balancer.
package redishost
