package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
)

var (
	// meta bucket keys
	metaKeyChannels    = []byte("channels")
	metaLastSyncPrefix = "lastsync:"

	syncedMark = []byte{1}
)

// MarkSynced records that the server has acknowledged these oids.
func (s *Storage) MarkSynced(ctx context.Context, oids []string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if len(oids) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSynced)
		for _, oid := range oids {
			if err := bucket.Put([]byte(oid), syncedMark); err != nil {
				return fmt.Errorf("failed to mark %s: %w", oid, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// UnmarkSynced forgets the synced mark for these oids.
func (s *Storage) UnmarkSynced(ctx context.Context, oids []string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if len(oids) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSynced)
		for _, oid := range oids {
			if err := bucket.Delete([]byte(oid)); err != nil {
				return fmt.Errorf("failed to unmark %s: %w", oid, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// IsSynced reports whether the oid was ever acknowledged by the server.
func (s *Storage) IsSynced(ctx context.Context, oid string) (bool, error) {
	if s.db == nil {
		return false, storage.ErrStorageClosed
	}

	var synced bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		synced = tx.Bucket(bucketSynced).Get([]byte(oid)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check synced mark: %w", err)
	}

	return synced, nil
}

// SyncedOIDs returns the full acknowledged set.
func (s *Storage) SyncedOIDs(ctx context.Context) (map[string]struct{}, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	oids := make(map[string]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSynced).ForEach(func(k, v []byte) error {
			oids[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read synced set: %w", err)
	}

	return oids, nil
}

// SaveTombstones stores deletion records, replacing existing ones for
// the same oids.
func (s *Storage) SaveTombstones(ctx context.Context, stones []*storage.Tombstone) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if len(stones) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTombstones)
		for _, stone := range stones {
			data, err := json.Marshal(stone)
			if err != nil {
				return fmt.Errorf("failed to marshal tombstone %s: %w", stone.OID, err)
			}
			if err := bucket.Put([]byte(stone.OID), data); err != nil {
				return fmt.Errorf("failed to save tombstone %s: %w", stone.OID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// DeleteTombstones removes deletion records for the given oids.
func (s *Storage) DeleteTombstones(ctx context.Context, oids []string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if len(oids) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTombstones)
		for _, oid := range oids {
			if err := bucket.Delete([]byte(oid)); err != nil {
				return fmt.Errorf("failed to delete tombstone %s: %w", oid, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// Tombstones returns all stored deletion records.
func (s *Storage) Tombstones(ctx context.Context) ([]*storage.Tombstone, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var stones []*storage.Tombstone
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTombstones).ForEach(func(k, v []byte) error {
			var stone storage.Tombstone
			if err := json.Unmarshal(v, &stone); err != nil {
				return fmt.Errorf("failed to unmarshal tombstone %s: %w", k, err)
			}
			stones = append(stones, &stone)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tombstones: %w", err)
	}

	return stones, nil
}

// LastSync returns when the scope last completed a full round, or the
// zero time if it never has.
func (s *Storage) LastSync(ctx context.Context, scope models.Scope) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, storage.ErrStorageClosed
	}

	var at time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(lastSyncKey(scope))
		if len(data) != 8 {
			return nil
		}
		at = time.Unix(0, int64(binary.BigEndian.Uint64(data))).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync: %w", err)
	}

	return at, nil
}

// SetLastSync records the completion time of a round for the scope.
func (s *Storage) SetLastSync(ctx context.Context, scope models.Scope, at time.Time) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(at.UnixNano()))

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(lastSyncKey(scope), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save last sync: %w", err)
	}

	return nil
}

// SaveChannels stores the pub/sub channel list granted at login.
func (s *Storage) SaveChannels(ctx context.Context, channels []string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(metaKeyChannels, data)
	})
	if err != nil {
		return fmt.Errorf("failed to save channels: %w", err)
	}

	return nil
}

// Channels returns the stored pub/sub channel list.
func (s *Storage) Channels(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var channels []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(metaKeyChannels)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &channels)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read channels: %w", err)
	}

	return channels, nil
}

// ClearRegistry drops the synced set, the tombstones and the meta
// bucket contents.
func (s *Storage) ClearRegistry(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSynced, bucketTombstones, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to delete %s bucket: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to recreate %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear registry: %w", err)
	}

	return nil
}

func lastSyncKey(scope models.Scope) []byte {
	return []byte(metaLastSyncPrefix + scope.String())
}
