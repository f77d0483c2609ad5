package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEvents    = []byte("events")
	bucketKV        = []byte("kv")
	bucketSnapshots = []byte("snapshots")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB

	// Serializes snapshot creation so two snapshots never interleave
	snapMu sync.Mutex
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "conductor.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketEvents, bucketKV, bucketSnapshots}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Append writes an event and returns its assigned sequence number.
// Bolt serializes update transactions, which keeps sequences dense even
// under concurrent appends.
func (s *BoltStore) Append(ev *types.Event) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = next
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		seq = next
		return b.Put(seqKey(next), data)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return seq, nil
}

// Range invokes fn for each event with from <= seq <= to in order
func (s *BoltStore) Range(from, to uint64, fn func(ev *types.Event) error) error {
	if from == 0 {
		from = 1
	}
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			if to != 0 && seq > to {
				return nil
			}
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to decode event %d: %w", seq, err)
			}
			if err := fn(&ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastSeq returns the highest assigned sequence number
func (s *BoltStore) LastSeq() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		last = tx.Bucket(bucketEvents).Sequence()
		return nil
	})
	return last, err
}

// Put stores a value under key with overwrite semantics
func (s *BoltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
}

// Get retrieves the value stored under key
func (s *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKV).Get([]byte(key))
		if data == nil {
			return ErrKeyNotFound
		}
		// Copy: bolt data is only valid during the transaction
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	return out, err
}

// Delete removes the value stored under key
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

// snapshotRecord is the persisted body of a store snapshot
type snapshotRecord struct {
	Name      string            `json:"name"`
	Nonce     string            `json:"nonce"`
	CreatedAt time.Time         `json:"createdAt"`
	LastSeq   uint64            `json:"lastSeq"`
	KV        map[string][]byte `json:"kv"`
}

// sealSnapshot encodes a record as checksum-header + newline + JSON body.
// The checksum covers the raw body bytes, so corruption the JSON decoder
// would tolerate (a flipped byte inside a key name, say) still fails
// verification.
func sealSnapshot(rec *snapshotRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	out := make([]byte, 0, hex.EncodedLen(sha256.Size)+1+len(body))
	out = append(out, hex.EncodeToString(sum[:])...)
	out = append(out, '\n')
	return append(out, body...), nil
}

// openSnapshot verifies the checksum against the raw stored bytes and
// decodes the body. Any mismatch or malformed framing is ErrSnapshotCorrupt.
func openSnapshot(raw []byte) (*snapshotRecord, error) {
	headerLen := hex.EncodedLen(sha256.Size)
	if len(raw) < headerLen+1 || raw[headerLen] != '\n' {
		return nil, ErrSnapshotCorrupt
	}
	body := raw[headerLen+1:]
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != string(raw[:headerLen]) {
		return nil, ErrSnapshotCorrupt
	}
	var rec snapshotRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, ErrSnapshotCorrupt
	}
	return &rec, nil
}

// Snapshot captures the KV contents plus the last log sequence under name
func (s *BoltStore) Snapshot(name string) (uint64, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	rec := snapshotRecord{
		Name:      name,
		Nonce:     uuid.New().String(),
		CreatedAt: time.Now(),
		KV:        make(map[string][]byte),
	}

	// Capture and persist in a single update transaction so the KV view
	// and the recorded sequence are consistent.
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec.LastSeq = tx.Bucket(bucketEvents).Sequence()

		err := tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
			val := make([]byte, len(v))
			copy(val, v)
			rec.KV[string(k)] = val
			return nil
		})
		if err != nil {
			return err
		}

		data, err := sealSnapshot(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put([]byte(name), data)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}
	return rec.LastSeq, nil
}

// LoadSnapshot returns the KV contents and sequence captured by name
func (s *BoltStore) LoadSnapshot(name string) (map[string][]byte, uint64, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(name))
		if data == nil {
			return ErrSnapshotNotFound
		}
		raw = make([]byte, len(data))
		copy(raw, data)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	rec, err := openSnapshot(raw)
	if err != nil {
		return nil, 0, err
	}
	return rec.KV, rec.LastSeq, nil
}

// ListSnapshots returns snapshot metadata, newest first
func (s *BoltStore) ListSnapshots() ([]SnapshotInfo, error) {
	var infos []SnapshotInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			rec, err := openSnapshot(v)
			if err != nil {
				// Corrupt snapshots are reported with name only so
				// callers can delete them
				infos = append(infos, SnapshotInfo{Name: string(k)})
				return nil
			}
			infos = append(infos, SnapshotInfo{
				Name:      rec.Name,
				Nonce:     rec.Nonce,
				CreatedAt: rec.CreatedAt,
				LastSeq:   rec.LastSeq,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return bytes.Compare([]byte(infos[i].Name), []byte(infos[j].Name)) > 0
		}
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// DeleteSnapshot removes a named snapshot
func (s *BoltStore) DeleteSnapshot(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(name))
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
