// Package outbox defines the data model shared by the match sync engine,
// its durable store and its remote submit adapters.
//
// An Entry is one pending write: an ordered batch of opaque Records plus the
// bookkeeping the engine needs to deliver it at least once (attempt count,
// timestamps, last failure). The entry id doubles as the idempotency key the
// remote uses to collapse re-deliveries.
//
// # Failure taxonomy
//
//   - transient:  retried automatically with backoff, bounded attempts
//   - exhausted:  was transient, ran out of automatic attempts
//   - conflict:   the remote record changed concurrently; never auto-retried
//   - validation: the remote rejected the payload; never auto-retried
//
// Terminal kinds are stamped onto Entry.LastError with a bracketed marker
// (for example "[conflict] match already recorded") so a reader of the
// error string alone can tell them apart.
//
// # Derived state
//
// State is never stored. DeriveState recomputes it from the live entries:
// failed dominates pending, pending dominates synced, so one stuck entry is
// always visible regardless of how many others flow through.
//
// # Payload digests
//
// PayloadDigest hashes the canonical JSON form of a payload (sorted keys,
// NFC-normalised strings, no HTML escaping) with a domain prefix. The remote
// compares it against the digest stored for the same entry id to tell a
// harmless re-delivery from a conflicting rewrite.
package outbox
