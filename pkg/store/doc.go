/*
Package store provides Conductor's durable persistence layer.

Two surfaces share one BoltDB file: an append-only event log with dense,
monotonically increasing sequence numbers, and a keyed state KV with
overwrite semantics. Snapshots capture the KV plus the last log sequence in
a single transaction and carry a SHA-256 checksum so partial or corrupted
snapshots are detected and discarded on load.

Key layout follows the `task:{id}`, `worker:{id}`, `provider:{id}` naming
convention; callers own the key schema.
*/
package store
