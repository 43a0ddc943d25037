// Package cache provides [Machine], a thin convenience layer over a Redis
// compatible store: codec-aware get/set, a fetch-or-compute helper, a
// fixed-window rate limiter and a delayed-execution queue built on sorted
// sets.
//
// Machine holds no state besides its configuration. Every operation maps
// onto one or more store commands; durability, expiry and atomicity all
// come from the store. The caller owns the [redis.UniversalClient] and its
// retry, timeout and authentication settings.
//
// # Values and Results
//
// Values are encoded with a [Codec], [JSONCodec] by default ([MsgpackCodec]
// via [WithCodec]). Reads return a [Result] tagged with a [Status]:
//
//	res, err := cache.Get[User](ctx, m, "user:123")
//	switch res.Status {
//	case cache.StatusFound:    // res.Value holds the user, even a zero value
//	case cache.StatusNotFound: // the key is absent or expired
//	case cache.StatusCorrupt:  // the stored bytes did not decode, see res.Cause
//	}
//
// Absence and corruption are results, never errors. The error return is
// reserved for store failures. [Result.Or] and [GetOrDefault] collapse
// absent and corrupt values onto a caller supplied default.
//
// # Expiry
//
// [Machine.Set] takes a TTL: positive values expire the key, zero applies
// the machine default ([DefaultExpires], see [WithExpires]) and [NoExpiry]
// stores the value forever.
//
// # Fetch or Compute
//
// [GetOrSet] reads a key and, on a miss, calls the fallback once and stores
// its result. Two callers missing at the same time may both run the
// fallback; the last write wins. [GetOrSetExclusive] coordinates them with
// an in-process single flight plus an advisory lock key in the store.
//
// # Rate Limiting
//
// [Machine.RateLimit] implements a fixed window counter. The window is
// created atomically with a temporary key renamed onto the counter only if
// the counter does not exist yet, so racing first calls cannot each restart
// the window and a crash between increment and expire cannot leave a
// counter that never resets.
//
// # Delayed Queue
//
// A queue is a sorted set whose scores are Unix milliseconds meaning "not
// eligible before". [Machine.AddWithScore] inserts, [PopAtCurrentTimestamp]
// and [Machine.PeekEntry] return the earliest eligible member, and
// [Machine.RemoveEntry] / [Machine.RemoveFromSet] acknowledge it.
//
// Popping does not remove. A member stays visible until it is removed, so
// consumers get at-least-once delivery: a crash between pop and remove
// redelivers, and concurrent consumers of one queue may observe the same
// member. Make processing idempotent.
//
// # Transactions
//
// [Machine.CreateTransaction] returns a [Tx]. Its methods queue commands and
// return [Pending] results; [Tx.Exec] sends them all in one MULTI/EXEC.
// Standalone Machine methods always execute immediately.
//
// # Key Enumeration
//
// [Machine.GetKeysMatching] uses KEYS, which blocks the store while it runs.
// [Machine.GetKeysMatchingUsingScan] walks the key space with SCAN and
// yields keys lazily as an iterator.
//
// # Observability
//
// Every operation opens an OpenTelemetry span and records its latency in
// the collectors of package metrics. Corrupt values and expiry repairs are
// logged through the configured logger ([WithLogger]).
package cache
