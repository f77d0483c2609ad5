package store

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsDenseSequences(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 5; i++ {
		seq, err := s.Append(&types.Event{Type: types.EventTaskSubmitted, TaskID: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	last, err := s.LastSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
}

func TestAppendSetsTimestamp(t *testing.T) {
	s := newTestStore(t)

	ev := &types.Event{Type: types.EventTaskReady, TaskID: "t1"}
	_, err := s.Append(ev)
	require.NoError(t, err)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestRange(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 10; i++ {
		_, err := s.Append(&types.Event{Type: types.EventTaskReady, TaskID: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	tests := []struct {
		name     string
		from, to uint64
		expected []uint64
	}{
		{"full log", 0, 0, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{"middle window", 3, 6, []uint64{3, 4, 5, 6}},
		{"tail", 8, 0, []uint64{8, 9, 10}},
		{"past the end", 11, 0, nil},
		{"single", 5, 5, []uint64{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seqs []uint64
			err := s.Range(tt.from, tt.to, func(ev *types.Event) error {
				seqs = append(seqs, ev.Seq)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, seqs)
		})
	}
}

func TestRangeStopsOnCallbackError(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.Append(&types.Event{Type: types.EventTaskReady})
		require.NoError(t, err)
	}

	count := 0
	err := s.Range(0, 0, func(ev *types.Event) error {
		count++
		if count == 2 {
			return fmt.Errorf("stop here")
		}
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 2, count)
}

func TestKVRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("task:t1", []byte(`{"id":"t1"}`)))

	val, err := s.Get("task:t1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"t1"}`), val)

	// Overwrite
	require.NoError(t, s.Put("task:t1", []byte(`{"id":"t1","state":"ready"}`)))
	val, err = s.Get("task:t1")
	require.NoError(t, err)
	assert.Contains(t, string(val), "ready")

	require.NoError(t, s.Delete("task:t1"))
	_, err = s.Get("task:t1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSnapshotCapturesKVAndSeq(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("task:t1", []byte("a")))
	require.NoError(t, s.Put("queue", []byte("b")))
	_, err := s.Append(&types.Event{Type: types.EventTaskSubmitted, TaskID: "t1"})
	require.NoError(t, err)

	seq, err := s.Snapshot("snap-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	// Mutations after the snapshot must not leak into it
	require.NoError(t, s.Put("task:t2", []byte("c")))
	_, err = s.Append(&types.Event{Type: types.EventTaskReady, TaskID: "t1"})
	require.NoError(t, err)

	kv, lastSeq, err := s.LoadSnapshot("snap-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lastSeq)
	assert.Equal(t, []byte("a"), kv["task:t1"])
	assert.Equal(t, []byte("b"), kv["queue"])
	assert.NotContains(t, kv, "task:t2")
}

func TestLoadSnapshotMissing(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.LoadSnapshot("missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLoadSnapshotDetectsCorruption(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("task:t1", []byte("a")))
	_, err := s.Snapshot("snap-1")
	require.NoError(t, err)

	// Flip bytes in the stored record to simulate a partial write
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte("snap-1"))
		mangled := make([]byte, len(data))
		copy(mangled, data)
		mangled[len(mangled)/2] ^= 0xff
		return b.Put([]byte("snap-1"), mangled)
	})
	require.NoError(t, err)

	_, _, err = s.LoadSnapshot("snap-1")
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func TestLoadSnapshotDetectsDecodeTolerantCorruption(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("task:t1", []byte("a")))
	_, err := s.Snapshot("snap-1")
	require.NoError(t, err)

	// Corrupt a field name inside the JSON body. The mangled record still
	// decodes (the field just becomes unknown and is ignored), so only a
	// checksum over the raw stored bytes can catch it.
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte("snap-1"))
		mangled := make([]byte, len(data))
		copy(mangled, data)
		i := bytes.Index(mangled, []byte(`"lastSeq"`))
		require.Greater(t, i, 0)
		mangled[i+1] ^= 0x01 // "lastSeq" -> "mastSeq"
		return b.Put([]byte("snap-1"), mangled)
	})
	require.NoError(t, err)

	_, _, err = s.LoadSnapshot("snap-1")
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func TestListSnapshotsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"snap-a", "snap-b", "snap-c"} {
		require.NoError(t, s.Put("k", []byte(name)))
		_, err := s.Snapshot(name)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	infos, err := s.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "snap-c", infos[0].Name)
	assert.True(t, infos[0].CreatedAt.After(infos[2].CreatedAt))
}

func TestDeleteSnapshot(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Snapshot("snap-1")
	require.NoError(t, err)
	require.NoError(t, s.DeleteSnapshot("snap-1"))

	_, _, err = s.LoadSnapshot("snap-1")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}
