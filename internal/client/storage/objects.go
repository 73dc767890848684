// Package storage defines the client-side persistence interfaces: the
// object cache, the sync registry that remembers what the server has
// acknowledged, and the login session. Implementations live in
// subpackages (boltdb); the sync engine and the CLI only see these
// interfaces.
package storage

import (
	"context"

	"github.com/waterbug/repsync/internal/models"
)

//go:generate moq -out objectstorage_mock.go . ObjectStorage

// ObjectStorage is the local cache of managed objects. It stores rows
// as-is; freshness decisions belong to the sync engine, so there is no
// conditional-write logic here.
type ObjectStorage interface {
	// SaveObjects stores or replaces the given objects in one transaction.
	SaveObjects(ctx context.Context, objs []*models.ManagedObject) error

	// GetObject retrieves an object by oid.
	// Returns ErrObjectNotFound if the object is not cached.
	GetObject(ctx context.Context, oid string) (*models.ManagedObject, error)

	// GetObjects retrieves the objects for the given oids. Missing oids
	// are skipped, not reported as errors.
	GetObjects(ctx context.Context, oids []string) ([]*models.ManagedObject, error)

	// GetByClass returns all cached objects of one class.
	GetByClass(ctx context.Context, cname string) ([]*models.ManagedObject, error)

	// GetByProject returns all cached objects scoped to one project.
	GetByProject(ctx context.Context, projectOID string) ([]*models.ManagedObject, error)

	// GetByCreator returns all cached objects created by the given user.
	GetByCreator(ctx context.Context, creatorID string) ([]*models.ManagedObject, error)

	// GetAllObjects returns the entire cache.
	GetAllObjects(ctx context.Context) ([]*models.ManagedObject, error)

	// ModTimes returns the oid to revision-stamp map for all cached
	// objects of the given classes, or for the whole cache when no
	// class is named.
	ModTimes(ctx context.Context, cnames ...string) (models.TimestampMap, error)

	// ModTimesFor returns the revision stamps for the given oids.
	// Missing oids are skipped.
	ModTimesFor(ctx context.Context, oids []string) (models.TimestampMap, error)

	// FindByID looks an object up by class and business identifier.
	// Returns ErrObjectNotFound if no such object is cached.
	FindByID(ctx context.Context, cname, id string) (*models.ManagedObject, error)

	// SearchExact returns the cached objects matching every set field
	// of the filter.
	SearchExact(ctx context.Context, filter Filter) ([]*models.ManagedObject, error)

	// DeleteObjects removes the given oids from the cache in one
	// transaction. Unknown oids are ignored.
	DeleteObjects(ctx context.Context, oids []string) error

	// Clear drops the whole cache. Used on logout and in tests.
	Clear(ctx context.Context) error
}

// Filter selects objects by exact match on metadata fields. Zero-value
// fields match everything.
type Filter struct {
	CName      string
	ID         string
	ProjectOID string
	CreatorID  string
	Frozen     *bool
}

// Match reports whether obj satisfies every set field of the filter.
func (f Filter) Match(obj *models.ManagedObject) bool {
	if f.CName != "" && obj.CName != f.CName {
		return false
	}
	if f.ID != "" && obj.ID != f.ID {
		return false
	}
	if f.ProjectOID != "" && obj.ProjectOID != f.ProjectOID {
		return false
	}
	if f.CreatorID != "" && obj.CreatorID != f.CreatorID {
		return false
	}
	if f.Frozen != nil && obj.Frozen != *f.Frozen {
		return false
	}
	return true
}
