package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/remote"
	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/pkg/api"
)

// DefaultChunkSize bounds one get_objects batch.
const DefaultChunkSize = 128

// Chunk splits oids into order-preserving batches of at most maxSize.
// The concatenation of the batches equals the input; a non-positive
// maxSize yields a single batch.
func Chunk(oids []string, maxSize int) [][]string {
	if len(oids) == 0 {
		return nil
	}
	if maxSize <= 0 {
		return [][]string{oids}
	}

	batches := make([][]string, 0, (len(oids)+maxSize-1)/maxSize)
	for start := 0; start < len(oids); start += maxSize {
		end := start + maxSize
		if end > len(oids) {
			end = len(oids)
		}
		batches = append(batches, oids[start:end])
	}
	return batches
}

// Fetcher pulls newer objects down in bounded batches and applies each
// batch before requesting the next, so a failure mid-pipeline leaves
// every already-applied batch committed.
type Fetcher struct {
	repo      remote.Repository
	objects   storage.ObjectStorage
	registry  storage.RegistryStorage
	catalog   *models.Catalog
	bus       *notify.Bus
	logger    *slog.Logger
	chunkSize int
}

// NewFetcher wires the fetch pipeline.
func NewFetcher(
	repo remote.Repository,
	objects storage.ObjectStorage,
	registry storage.RegistryStorage,
	catalog *models.Catalog,
	bus *notify.Bus,
	logger *slog.Logger,
	chunkSize int,
) *Fetcher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Fetcher{
		repo:      repo,
		objects:   objects,
		registry:  registry,
		catalog:   catalog,
		bus:       bus,
		logger:    logger,
		chunkSize: chunkSize,
	}
}

// FetchAll downloads and applies the given oids in server order. It
// returns how many objects were applied; on error the count covers the
// batches that committed before the failure.
func (f *Fetcher) FetchAll(ctx context.Context, scope models.Scope, oids []string) (int, error) {
	if len(oids) == 0 {
		return 0, nil
	}

	total := len(oids)
	applied := 0

	for i, batch := range Chunk(oids, f.chunkSize) {
		serialized, err := f.repo.GetObjects(ctx, batch)
		if err != nil {
			return applied, fmt.Errorf("failed to fetch batch %d: %w", i+1, err)
		}

		if err := f.apply(ctx, serialized); err != nil {
			return applied, fmt.Errorf("failed to apply batch %d: %w", i+1, err)
		}

		applied += len(serialized)
		f.logger.Debug("batch applied",
			"scope", scope.String(), "batch", i+1, "objects", len(serialized))
		f.bus.Publish(models.SyncProgress{Scope: scope, Applied: applied, Total: total})
	}

	return applied, nil
}

// FetchOne downloads and applies a single object, returning it. Returns
// nil when the server no longer holds the oid.
func (f *Fetcher) FetchOne(ctx context.Context, oid string) (*models.ManagedObject, error) {
	serialized, err := f.repo.GetObjects(ctx, []string{oid})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", oid, err)
	}
	if len(serialized) == 0 {
		return nil, nil
	}
	if err := f.apply(ctx, serialized[:1]); err != nil {
		return nil, err
	}
	return fromWire(serialized[0]), nil
}

// apply writes one batch, sorted so same-batch referents land before
// the objects that reference them, then records the oids as
// acknowledged and clears any tombstones they resurrect.
func (f *Fetcher) apply(ctx context.Context, serialized []api.SerializedObject) error {
	if len(serialized) == 0 {
		return nil
	}

	objs := make([]*models.ManagedObject, 0, len(serialized))
	oids := make([]string, 0, len(serialized))
	for _, s := range serialized {
		objs = append(objs, fromWire(s))
		oids = append(oids, s.OID)
	}
	f.catalog.SortByRank(objs)

	if err := f.objects.SaveObjects(ctx, objs); err != nil {
		return fmt.Errorf("failed to save objects: %w", err)
	}
	if err := f.registry.MarkSynced(ctx, oids); err != nil {
		return fmt.Errorf("failed to mark objects synced: %w", err)
	}
	// A fetched oid may have been deleted locally and recreated on the
	// server; the arriving copy supersedes the tombstone.
	if err := f.registry.DeleteTombstones(ctx, oids); err != nil {
		return fmt.Errorf("failed to clear tombstones: %w", err)
	}

	return nil
}
