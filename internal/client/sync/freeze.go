package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/remote"
	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/pkg/api"
)

// Freezer owns the frozen flag on cached objects. The flag is
// server-authoritative: it changes only when the server confirms a
// freeze or thaw, either in an RPC result or in a broadcast event.
// Rejecting edits to frozen objects is the authoring layer's job.
type Freezer struct {
	repo    remote.Repository
	objects storage.ObjectStorage
	bus     *notify.Bus
	logger  *slog.Logger
}

// NewFreezer wires the freeze ledger.
func NewFreezer(repo remote.Repository, objects storage.ObjectStorage, bus *notify.Bus, logger *slog.Logger) *Freezer {
	return &Freezer{repo: repo, objects: objects, bus: bus, logger: logger}
}

// Apply sets or clears the frozen flag on the given cached oids,
// adopting the server-reported revision stamp and modifier in the same
// write. Oids not in the cache are ignored, and an oid already in the
// requested state is left untouched, so replaying an event is harmless.
// Returns the oids that actually changed.
func (f *Freezer) Apply(ctx context.Context, oids []string, frozen bool, modTime time.Time, modifierID string) ([]string, error) {
	cached, err := f.objects.GetObjects(ctx, oids)
	if err != nil {
		return nil, fmt.Errorf("failed to load objects: %w", err)
	}

	changed := make([]*models.ManagedObject, 0, len(cached))
	changedOIDs := make([]string, 0, len(cached))
	for _, obj := range cached {
		if obj.Frozen == frozen {
			continue
		}
		obj.Frozen = frozen
		obj.ModTime = modTime.UTC()
		obj.ModifierID = modifierID
		changed = append(changed, obj)
		changedOIDs = append(changedOIDs, obj.OID)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	if err := f.objects.SaveObjects(ctx, changed); err != nil {
		return nil, fmt.Errorf("failed to save frozen state: %w", err)
	}
	return changedOIDs, nil
}

// IsFrozen reports whether the cached object is frozen. Uncached oids
// are not frozen.
func (f *Freezer) IsFrozen(ctx context.Context, oid string) (bool, error) {
	obj, err := f.objects.GetObject(ctx, oid)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load object: %w", err)
	}
	return obj.Frozen, nil
}

// RequestFreeze asks the server to freeze the given oids and applies
// the confirmed subset locally. Refused oids are announced as
// PushRejected and left unfrozen. Returns the oids the server froze.
func (f *Freezer) RequestFreeze(ctx context.Context, oids []string) ([]string, error) {
	result, err := f.repo.Freeze(ctx, oids)
	if err != nil {
		return nil, fmt.Errorf("freeze request failed: %w", err)
	}
	return f.applyResult(ctx, true, result)
}

// RequestThaw asks the server to thaw the given oids and applies the
// confirmed subset locally. Returns the oids the server thawed.
func (f *Freezer) RequestThaw(ctx context.Context, oids []string) ([]string, error) {
	result, err := f.repo.Thaw(ctx, oids)
	if err != nil {
		return nil, fmt.Errorf("thaw request failed: %w", err)
	}
	return f.applyResult(ctx, false, result)
}

func (f *Freezer) applyResult(ctx context.Context, frozen bool, result *api.FreezeResult) ([]string, error) {
	if len(result.Unauthorized) > 0 {
		f.logger.Warn("freeze refused", "oids", result.Unauthorized)
		f.bus.Publish(models.PushRejected{OIDs: result.Unauthorized, Reason: "unauthorized"})
	}
	if len(result.OK) == 0 {
		return nil, nil
	}

	changed, err := f.Apply(ctx, result.OK, frozen, result.ModTime, result.ModifierID)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		if frozen {
			f.bus.Publish(models.RemoteFrozen{OIDs: changed})
		} else {
			f.bus.Publish(models.RemoteThawed{OIDs: changed})
		}
	}
	return result.OK, nil
}
