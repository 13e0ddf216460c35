package queuefile

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var bucketOffsets = []byte("queue_offsets")

// Position addresses a byte offset within a queue segment.
type Position struct {
	Segment uint32
	Offset  int64
}

// OffsetStore persists the commit point of each queue file, separately from
// the queue data, so that a restart resumes after the last acknowledged event.
type OffsetStore interface {
	Load(name string) (Position, bool, error)
	Save(name string, pos Position) error
	Delete(name string) error
}

// BoltOffsetStore keeps commit points in a single BoltDB file shared by all
// the queue files of a process.
type BoltOffsetStore struct {
	db *bolt.DB
}

// NewBoltOffsetStore opens (or creates) queue_offsets.db in dataDir.
func NewBoltOffsetStore(dataDir string) (*BoltOffsetStore, error) {
	dbPath := filepath.Join(dataDir, "queue_offsets.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open offset database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketOffsets); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketOffsets, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltOffsetStore{db: db}, nil
}

// Close closes the database.
func (s *BoltOffsetStore) Close() error {
	return s.db.Close()
}

func (s *BoltOffsetStore) Load(name string) (Position, bool, error) {
	var pos Position
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOffsets).Get([]byte(name))
		if data == nil {
			return nil
		}
		if len(data) != 12 {
			return fmt.Errorf("invalid offset record for %s: %d bytes", name, len(data))
		}
		pos.Segment = binary.BigEndian.Uint32(data[0:4])
		pos.Offset = int64(binary.BigEndian.Uint64(data[4:12]))
		found = true
		return nil
	})
	return pos, found, err
}

func (s *BoltOffsetStore) Save(name string, pos Position) error {
	var data [12]byte
	binary.BigEndian.PutUint32(data[0:4], pos.Segment)
	binary.BigEndian.PutUint64(data[4:12], uint64(pos.Offset))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOffsets).Put([]byte(name), data[:])
	})
}

func (s *BoltOffsetStore) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOffsets).Delete([]byte(name))
	})
}

// MemoryOffsetStore keeps commit points in memory only. Queue files using it
// replay from their first frame after a restart.
type MemoryOffsetStore struct {
	mu        sync.Mutex
	positions map[string]Position
}

// NewMemoryOffsetStore creates an empty in-memory store.
func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{positions: make(map[string]Position)}
}

func (s *MemoryOffsetStore) Load(name string) (Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[name]
	return pos, ok, nil
}

func (s *MemoryOffsetStore) Save(name string, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[name] = pos
	return nil
}

func (s *MemoryOffsetStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, name)
	return nil
}
