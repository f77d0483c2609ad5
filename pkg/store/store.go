package store

import (
	"errors"
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
)

// Sentinel errors surfaced by store implementations
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrSnapshotCorrupt  = errors.New("snapshot checksum mismatch")
)

// KV key layout for per-entity records. A subscriber that observes a
// terminal task event can read the task's record under TaskKey and see
// the terminal state.
func TaskKey(id string) string     { return "task:" + id }
func WorkerKey(id string) string   { return "worker:" + id }
func ProviderKey(id string) string { return "provider:" + id }

// SnapshotInfo describes a persisted snapshot without its payload
type SnapshotInfo struct {
	Name      string
	Nonce     string
	CreatedAt time.Time
	LastSeq   uint64
}

// Store defines the durable persistence surface: an append-only event log
// plus a keyed state KV. Appends are serialized globally so sequence
// numbers stay dense; reads may run concurrently.
type Store interface {
	// Append writes an event to the log and returns its assigned sequence.
	// An Append that returns successfully survives process crash.
	Append(ev *types.Event) (uint64, error)

	// Range invokes fn for each event with from <= seq <= to in order.
	// A zero to means "until the end of the log". Returning an error from
	// fn stops the iteration and is surfaced to the caller.
	Range(from, to uint64, fn func(ev *types.Event) error) error

	// LastSeq returns the highest assigned sequence, 0 when the log is empty.
	LastSeq() (uint64, error)

	// Keyed state with overwrite semantics.
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error

	// Snapshot captures the current KV contents plus the last observed log
	// sequence under the given name. Snapshot creation is serialized; two
	// snapshots never interleave. Returns the captured sequence.
	Snapshot(name string) (uint64, error)

	// LoadSnapshot returns the KV contents and sequence captured by a named
	// snapshot after verifying its checksum. Corrupt snapshots return
	// ErrSnapshotCorrupt and must be skipped by callers.
	LoadSnapshot(name string) (map[string][]byte, uint64, error)

	// ListSnapshots returns metadata for all snapshots, newest first.
	ListSnapshots() ([]SnapshotInfo, error)

	// DeleteSnapshot removes a named snapshot.
	DeleteSnapshot(name string) error

	Close() error
}
