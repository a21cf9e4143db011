// Package seatstream is the real-time connection and messaging control plane
// for the seating admin system.
//
// Four components cooperate to move storage change events to connected
// admin clients:
//
//   - govern: sliding-window rate limiting with adaptive per-client limits,
//     violation tracking, and auto-blacklisting. Authoritative window state
//     lives in JetStream KV; a local LRU mirror answers the common case.
//   - connpool: WebSocket connection lifecycle. Capacity capping, the auth
//     handshake, heartbeats, single-session eviction, and frame fan-out.
//   - router: topic subscriptions with per-field filters. Consumes storage
//     change events from NATS, matches them against subscriptions, and
//     groups matches so each connection receives one message per event.
//   - dispatch: priority queues, batching, content-hash deduplication,
//     additive payload merging, bounded retries, and dead-lettering.
//
// The components reference each other through small local interfaces and are
// wired together at startup by cmd/seatstreamd:
//
//	pool := connpool.NewPool(poolCfg, connpool.WithAdmitter(governor))
//	dispatcher := dispatch.NewDispatcher(dispCfg, pool)
//	rtr := router.NewRouter(routerCfg, dispatcher)
//	pool.SetSubscriptionHandler(rtr)
//
// Supporting packages: natsclient wraps the NATS connection and JetStream KV
// buckets, metric and health carry observability, errors defines the
// classified error taxonomy, and pkg holds the generic cache, retry, and
// worker-pool utilities.
package seatstream
