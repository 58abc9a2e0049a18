// Package redistable implements correlation.Table on Redis so that a response
// received by any gateway node completes a request waiting on another node.
//
// Design Notes
//   - Await marker: SET NX PX <ttl> per correlation id; the marker doubles as
//     the completion token. Whoever deletes it (Fulfill or the timing-out
//     waiter) owns the outcome.
//   - Fulfill: a Lua script deletes the marker, stores the reply under a short
//     TTL and PUBLISHes the correlation id on a single shared channel.
//   - Wake-up: each table holds one Pub/Sub subscription and dispatches ids to
//     local waiters. A lost wake-up only delays the waiter to its deadline,
//     where the claim path still finds the stored reply.
//
// Example:
//
//	tbl, _ := redistable.New(redistable.Config{RedisURL: "redis://localhost:6379/0"})
//	defer tbl.Close()
package redistable
