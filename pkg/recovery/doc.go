/*
Package recovery implements checkpointing and crash recovery.

A checkpoint stages the task graph, queue contents, worker registry, and
provider registry into the store's KV bucket, then seals them in a named,
checksum-verified snapshot together with the last event sequence. On
startup, Restore loads the newest valid snapshot (corrupt ones are
skipped), replays the event log tail on top of it, and applies the
transient-state rules: loads reset, attempted tasks return to ready with
an incremented retry count, half-open breakers reopen.
*/
package recovery
