// Package boltdb implements the client storage interfaces on a single
// BoltDB file. One file holds the object cache, the sync registry and
// the login session, so the cache survives offline restarts and moves
// with the user's home directory.
package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	// BoltDB bucket names
	bucketObjects    = []byte("objects")
	bucketSynced     = []byte("synced")
	bucketTombstones = []byte("tombstones")
	bucketMeta       = []byte("meta")
	bucketSession    = []byte("session")
)

// Storage represents the BoltDB storage implementation for the client.
type Storage struct {
	db *bbolt.DB
}

// New opens (or creates) the BoltDB file at dbPath and prepares the
// buckets. The file lock makes the cache single-process; a second
// client against the same path fails here.
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{db: db}

	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return storage, nil
}

// Close closes the database. Further calls on the storage return
// ErrStorageClosed.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketObjects,
			bucketSynced,
			bucketTombstones,
			bucketMeta,
			bucketSession,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}
