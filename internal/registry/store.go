package registry

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketAgents = []byte("agents")

// Store wraps a BoltDB database holding the durable agent directory.
// Records are JSON blobs keyed by agent id; queries run against the
// hydrated in-memory map, so the store only needs get/put/scan.
type Store struct {
	db *bolt.DB
}

// OpenStore creates or opens the directory database at the given path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAgents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAgent persists one agent record blob.
func (s *Store) SaveAgent(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Put([]byte(id), data)
	})
}

// DeleteAgent removes one agent record blob.
func (s *Store) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

// ListAgents returns all persisted agent records keyed by id.
func (s *Store) ListAgents() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			out[string(k)] = data
			return nil
		})
	})
	return out, err
}
