package storage

import (
	"context"
	"time"

	"github.com/waterbug/repsync/internal/models"
)

//go:generate moq -out registrystorage_mock.go . RegistryStorage

// Tombstone records a deletion that survived the object row. Local
// tombstones are pushed to the server on the next sync; remote ones
// keep a server-side deletion from being re-pushed as a local edit.
// ProjectOID scopes the record to its sync partition the way the live
// row was scoped.
type Tombstone struct {
	OID        string        `json:"oid"`
	CName      string        `json:"cname"`
	ProjectOID string        `json:"project_oid,omitempty"`
	ModTime    time.Time     `json:"mod_datetime"`
	Origin     models.Origin `json:"origin"`
}

// RegistryStorage tracks what the server has acknowledged: which oids
// have ever been confirmed synced, which deletions are pending or
// remembered, when each scope last completed a round, and which pub/sub
// channels the account is entitled to.
type RegistryStorage interface {
	// MarkSynced records that the server has acknowledged these oids.
	MarkSynced(ctx context.Context, oids []string) error

	// UnmarkSynced forgets the synced mark for these oids.
	UnmarkSynced(ctx context.Context, oids []string) error

	// IsSynced reports whether the oid was ever acknowledged by the server.
	IsSynced(ctx context.Context, oid string) (bool, error)

	// SyncedOIDs returns the full acknowledged set.
	SyncedOIDs(ctx context.Context) (map[string]struct{}, error)

	// SaveTombstones stores deletion records in one transaction,
	// replacing existing ones for the same oids.
	SaveTombstones(ctx context.Context, stones []*Tombstone) error

	// DeleteTombstones removes deletion records for the given oids.
	DeleteTombstones(ctx context.Context, oids []string) error

	// Tombstones returns all stored deletion records.
	Tombstones(ctx context.Context) ([]*Tombstone, error)

	// LastSync returns when the scope last completed a full round.
	// Returns the zero time if the scope has never synced.
	LastSync(ctx context.Context, scope models.Scope) (time.Time, error)

	// SetLastSync records the completion time of a round for the scope.
	SetLastSync(ctx context.Context, scope models.Scope, at time.Time) error

	// SaveChannels stores the pub/sub channel list granted at login.
	SaveChannels(ctx context.Context, channels []string) error

	// Channels returns the stored pub/sub channel list.
	Channels(ctx context.Context) ([]string, error)

	// ClearRegistry drops the registry. Used on logout together with
	// the object cache.
	ClearRegistry(ctx context.Context) error
}
