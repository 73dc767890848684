package storage

import (
	"context"

	"github.com/waterbug/repsync/internal/models"
)

// ObjectRecord is one repository row: the managed object plus the
// server-side bookkeeping the wire form does not carry. A tombstoned
// record keeps its identity and revision stamp; the attribute payload
// is dropped at deletion time.
type ObjectRecord struct {
	models.ManagedObject

	// FrozenBy names who froze the object; only that user or an
	// administrator may thaw it.
	FrozenBy string

	// Library marks instances of library-synchronized classes. Set
	// from the class catalog when the row is written.
	Library bool

	// Deleted marks the row as a tombstone. Tombstones win over any
	// later write to the same oid.
	Deleted bool
}

// Scope selects which rows participate in a classification round. The
// zero value means the whole repository; Library and ProjectOID are
// mutually exclusive.
type Scope struct {
	Library    bool
	ProjectOID string
}

// Stamp is the classification view of one row: enough to compare
// against a client revision map without loading attribute payloads.
type Stamp struct {
	OID      string
	CName    string
	ModTime  int64  // unix nanoseconds
	FrozenBy string // empty unless frozen
	Deleted  bool
}

// ObjectRepository persists the authoritative object set.
type ObjectRepository interface {
	// SaveObject inserts or overwrites one row.
	SaveObject(ctx context.Context, rec *ObjectRecord) error

	// GetObject retrieves one row, tombstoned or live.
	// Returns ErrObjectNotFound if no row exists for the oid.
	GetObject(ctx context.Context, oid string) (*ObjectRecord, error)

	// GetObjects retrieves live rows in the given order. OIDs without
	// a live row are silently omitted.
	GetObjects(ctx context.Context, oids []string) ([]*ObjectRecord, error)

	// GetByClass retrieves live rows of one class, ordered by id.
	GetByClass(ctx context.Context, cname string) ([]*ObjectRecord, error)

	// Stamps lists the revision stamps of every row in scope,
	// tombstones included.
	Stamps(ctx context.Context, scope Scope) ([]Stamp, error)

	// Tombstone marks the oid deleted with the given stamp, creating
	// the row when the repository never saw the oid. A tombstone for
	// an unknown oid blocks stray writes that arrive after the
	// deletion.
	Tombstone(ctx context.Context, oid, modifierID string, modNS int64) error

	// SetFrozen flips the frozen flag, recording who holds the freeze
	// and the new revision stamp.
	// Returns ErrObjectNotFound if no live row exists.
	SetFrozen(ctx context.Context, oid string, frozen bool, frozenBy, modifierID string, modNS int64) error
}
