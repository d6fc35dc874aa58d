package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"neuromine/internal/neural"
)

var (
	snapshotsBucket = []byte("snapshots")
	metaBucket      = []byte("meta")
	latestKey       = []byte("latest")
)

// ErrNoSnapshot is returned when the store holds no snapshot yet.
var ErrNoSnapshot = errors.New("no snapshot stored")

// SnapshotStore keeps versioned network snapshots in a bbolt file. Keys are
// big-endian sequence numbers so a cursor walks them in save order; a meta
// pointer tracks the latest.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshotStore opens (or creates) the snapshot database at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init snapshot buckets: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Save persists a snapshot and marks it as latest. Returns the assigned
// sequence number.
func (s *SnapshotStore) Save(snap *neural.Snapshot) (uint64, error) {
	if snap == nil {
		return 0, errors.New("nil snapshot")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	var seq uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, payload); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(latestKey, key)
	})
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return seq, nil
}

// LoadLatest returns the most recently saved snapshot.
func (s *SnapshotStore) LoadLatest() (*neural.Snapshot, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(metaBucket).Get(latestKey)
		if key == nil {
			return ErrNoSnapshot
		}
		raw := tx.Bucket(snapshotsBucket).Get(key)
		if raw == nil {
			return ErrNoSnapshot
		}
		payload = make([]byte, len(raw))
		copy(payload, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var snap neural.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Load returns the snapshot with the given sequence number.
func (s *SnapshotStore) Load(seq uint64) (*neural.Snapshot, error) {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotsBucket).Get(key)
		if raw == nil {
			return ErrNoSnapshot
		}
		payload = make([]byte, len(raw))
		copy(payload, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var snap neural.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", seq, err)
	}
	return &snap, nil
}

// Prune keeps the newest keep snapshots and deletes the rest.
func (s *SnapshotStore) Prune(keep int) error {
	if keep < 1 {
		keep = 1
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		total := b.Stats().KeyN
		excess := total - keep
		if excess <= 0 {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

// Close releases the database file.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
