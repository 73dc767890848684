package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
)

// SaveObjects stores or replaces the given objects in one transaction.
func (s *Storage) SaveObjects(ctx context.Context, objs []*models.ManagedObject) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if len(objs) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		for _, obj := range objs {
			data, err := json.Marshal(obj)
			if err != nil {
				return fmt.Errorf("failed to marshal object %s: %w", obj.OID, err)
			}
			if err := bucket.Put([]byte(obj.OID), data); err != nil {
				return fmt.Errorf("failed to save object %s: %w", obj.OID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// GetObject retrieves an object by oid.
func (s *Storage) GetObject(ctx context.Context, oid string) (*models.ManagedObject, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var obj *models.ManagedObject

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(oid))
		if data == nil {
			return storage.ErrObjectNotFound
		}

		obj = &models.ManagedObject{}
		if err := json.Unmarshal(data, obj); err != nil {
			return fmt.Errorf("failed to unmarshal object: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return obj, nil
}

// GetObjects retrieves the objects for the given oids, skipping
// missing ones.
func (s *Storage) GetObjects(ctx context.Context, oids []string) ([]*models.ManagedObject, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var objs []*models.ManagedObject

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		for _, oid := range oids {
			data := bucket.Get([]byte(oid))
			if data == nil {
				continue
			}
			var obj models.ManagedObject
			if err := json.Unmarshal(data, &obj); err != nil {
				return fmt.Errorf("failed to unmarshal object %s: %w", oid, err)
			}
			objs = append(objs, &obj)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get objects: %w", err)
	}

	return objs, nil
}

// GetByClass returns all cached objects of one class.
func (s *Storage) GetByClass(ctx context.Context, cname string) ([]*models.ManagedObject, error) {
	return s.filterObjects(func(obj *models.ManagedObject) bool {
		return obj.CName == cname
	})
}

// GetByProject returns all cached objects scoped to one project.
func (s *Storage) GetByProject(ctx context.Context, projectOID string) ([]*models.ManagedObject, error) {
	return s.filterObjects(func(obj *models.ManagedObject) bool {
		return obj.ProjectOID == projectOID
	})
}

// GetByCreator returns all cached objects created by the given user.
func (s *Storage) GetByCreator(ctx context.Context, creatorID string) ([]*models.ManagedObject, error) {
	return s.filterObjects(func(obj *models.ManagedObject) bool {
		return obj.CreatorID == creatorID
	})
}

// GetAllObjects returns the entire cache.
func (s *Storage) GetAllObjects(ctx context.Context) ([]*models.ManagedObject, error) {
	return s.filterObjects(func(*models.ManagedObject) bool { return true })
}

// ModTimes returns the revision stamps for all cached objects of the
// given classes, or for the whole cache when no class is named.
func (s *Storage) ModTimes(ctx context.Context, cnames ...string) (models.TimestampMap, error) {
	match := func(*models.ManagedObject) bool { return true }
	if len(cnames) > 0 {
		wanted := make(map[string]struct{}, len(cnames))
		for _, cname := range cnames {
			wanted[cname] = struct{}{}
		}
		match = func(obj *models.ManagedObject) bool {
			_, ok := wanted[obj.CName]
			return ok
		}
	}

	objs, err := s.filterObjects(match)
	if err != nil {
		return nil, err
	}
	return stampsOf(objs), nil
}

// ModTimesFor returns the revision stamps for the given oids, skipping
// missing ones.
func (s *Storage) ModTimesFor(ctx context.Context, oids []string) (models.TimestampMap, error) {
	objs, err := s.GetObjects(ctx, oids)
	if err != nil {
		return nil, err
	}
	return stampsOf(objs), nil
}

func stampsOf(objs []*models.ManagedObject) models.TimestampMap {
	stamps := make(models.TimestampMap, len(objs))
	for _, obj := range objs {
		stamps[obj.OID] = obj.ModTime
	}
	return stamps
}

// FindByID looks an object up by class and business identifier.
func (s *Storage) FindByID(ctx context.Context, cname, id string) (*models.ManagedObject, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var found *models.ManagedObject

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(k, v []byte) error {
			var obj models.ManagedObject
			if err := json.Unmarshal(v, &obj); err != nil {
				return fmt.Errorf("failed to unmarshal object %s: %w", k, err)
			}
			if obj.CName == cname && obj.ID == id {
				found = &obj
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search objects: %w", err)
	}
	if found == nil {
		return nil, storage.ErrObjectNotFound
	}

	return found, nil
}

// SearchExact returns the cached objects matching every set field of
// the filter.
func (s *Storage) SearchExact(ctx context.Context, filter storage.Filter) ([]*models.ManagedObject, error) {
	return s.filterObjects(filter.Match)
}

// DeleteObjects removes the given oids from the cache. Unknown oids
// are ignored.
func (s *Storage) DeleteObjects(ctx context.Context, oids []string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if len(oids) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		for _, oid := range oids {
			if err := bucket.Delete([]byte(oid)); err != nil {
				return fmt.Errorf("failed to delete object %s: %w", oid, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// Clear drops the whole cache.
func (s *Storage) Clear(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketObjects); err != nil {
			return fmt.Errorf("failed to delete bucket: %w", err)
		}
		_, err := tx.CreateBucket(bucketObjects)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear objects: %w", err)
	}

	return nil
}

func (s *Storage) filterObjects(keep func(*models.ManagedObject) bool) ([]*models.ManagedObject, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var objs []*models.ManagedObject

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(k, v []byte) error {
			var obj models.ManagedObject
			if err := json.Unmarshal(v, &obj); err != nil {
				return fmt.Errorf("failed to unmarshal object %s: %w", k, err)
			}
			if keep(&obj) {
				objs = append(objs, &obj)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan objects: %w", err)
	}

	return objs, nil
}
