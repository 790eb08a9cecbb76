// Package concourse defines the core identifiers, error kinds, configuration,
// and shared helpers used across the Concourse storage engine. Concrete
// subsystems live in subpackages: revision (the append-only unit of
// writing), block (flushed, bloom-indexed segment files), record (parity
// projections over a revision stream), buffer (the write-ahead log),
// database (the three parallel indexes), lockservice (token-based locking),
// search (tokenization and substring indexing), executor (bounded fan-out
// worker pools), txn (autocommit/staging transaction coordination), and
// engine (the façade an RPC layer binds against).
//
// This package is intended for internal use within the engine; it is a
// foundation the subpackages build on, not an end-user API.
package concourse

// Timeout model
//
// Engine operations (notably transaction commits) are bounded by two timers:
//  1. The caller-provided context deadline/cancellation, which propagates
//     across subsystems.
//  2. An operation-specific maximum duration (the transaction's maxTime),
//     used as an internal safety limit.
//
// The effective commit duration is the earlier of the context deadline and
// the transaction's maxTime. Token lock lifetime is separate from maxTime:
// the Redis lock backend expires its keys after EngineOptions.LockTTL, and
// the in-memory backend holds a lock until its holder releases it.
//
// Timeouts are normalized with ErrTimeout, which wraps the underlying context
// error when applicable so errors.Is(err, context.DeadlineExceeded) keeps
// working while still giving callers one consistent timeout error to match.
