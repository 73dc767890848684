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

// Pusher uploads locally authored work: saved objects first, then
// pending deletions. Sandbox-scoped objects never leave the machine,
// and a deletion that arrived from the server is never echoed back.
type Pusher struct {
	repo       remote.Repository
	objects    storage.ObjectStorage
	registry   storage.RegistryStorage
	bus        *notify.Bus
	logger     *slog.Logger
	sandboxOID string
}

// NewPusher wires the push pipeline. sandboxOID names the project scope
// whose objects are private to this machine.
func NewPusher(
	repo remote.Repository,
	objects storage.ObjectStorage,
	registry storage.RegistryStorage,
	bus *notify.Bus,
	logger *slog.Logger,
	sandboxOID string,
) *Pusher {
	return &Pusher{
		repo:       repo,
		objects:    objects,
		registry:   registry,
		bus:        bus,
		logger:     logger,
		sandboxOID: sandboxOID,
	}
}

func (p *Pusher) isSandbox(projectOID string) bool {
	return p.sandboxOID != "" && projectOID == p.sandboxOID
}

// PushSaved uploads the given objects and applies the per-object
// verdicts: accepted oids are recorded in the synced registry, refused
// ones are announced as PushRejected and not retried. Returns the
// accepted count.
func (p *Pusher) PushSaved(ctx context.Context, objs []*models.ManagedObject) (int, error) {
	wire := make([]api.SerializedObject, 0, len(objs))
	for _, obj := range objs {
		if p.isSandbox(obj.ProjectOID) {
			continue
		}
		wire = append(wire, toWire(obj))
	}
	if len(wire) == 0 {
		return 0, nil
	}

	result, err := p.repo.Save(ctx, wire)
	if err != nil {
		return 0, fmt.Errorf("failed to push objects: %w", err)
	}

	accepted := make([]string, 0, len(result.New)+len(result.Modified))
	accepted = append(accepted, result.New...)
	accepted = append(accepted, result.Modified...)
	if len(accepted) > 0 {
		if err := p.registry.MarkSynced(ctx, accepted); err != nil {
			return 0, fmt.Errorf("failed to mark pushed objects synced: %w", err)
		}
	}

	if len(result.Unauthorized) > 0 {
		p.logger.Warn("push refused", "reason", "unauthorized", "oids", result.Unauthorized)
		p.bus.Publish(models.PushRejected{OIDs: result.Unauthorized, Reason: "unauthorized"})
	}
	if len(result.NoOwner) > 0 {
		p.logger.Warn("push refused", "reason", "no_owner", "oids", result.NoOwner)
		p.bus.Publish(models.PushRejected{OIDs: result.NoOwner, Reason: "no_owner"})
	}

	return len(accepted), nil
}

// PushDeleted uploads pending local deletions. Tombstones of remote
// origin are skipped so a server-side deletion never loops back as a
// delete request. Only acknowledged tombstones are cleared: a refused
// oid (the server holds it frozen) stays pending and is retried on a
// later round, after a thaw. Returns the acknowledged count.
func (p *Pusher) PushDeleted(ctx context.Context, stones []*storage.Tombstone) (int, error) {
	oids := make([]string, 0, len(stones))
	for _, stone := range stones {
		if stone.Origin == models.OriginRemote {
			continue
		}
		oids = append(oids, stone.OID)
	}
	if len(oids) == 0 {
		return 0, nil
	}

	result, err := p.repo.Delete(ctx, oids)
	if err != nil {
		return 0, fmt.Errorf("failed to push deletions: %w", err)
	}

	if len(result.Deleted) > 0 {
		if err := p.registry.UnmarkSynced(ctx, result.Deleted); err != nil {
			return 0, fmt.Errorf("failed to unmark deleted objects: %w", err)
		}
		if err := p.registry.DeleteTombstones(ctx, result.Deleted); err != nil {
			return 0, fmt.Errorf("failed to clear pushed tombstones: %w", err)
		}
	}

	acked := make(map[string]struct{}, len(result.Deleted))
	for _, oid := range result.Deleted {
		acked[oid] = struct{}{}
	}
	var refused []string
	for _, oid := range oids {
		if _, ok := acked[oid]; !ok {
			refused = append(refused, oid)
		}
	}
	if len(refused) > 0 {
		p.logger.Warn("deletion refused", "oids", refused)
		p.bus.Publish(models.PushRejected{OIDs: refused, Reason: "unauthorized"})
	}

	p.logger.Debug("deletions pushed", "pushed", len(oids), "acknowledged", len(result.Deleted))
	return len(result.Deleted), nil
}

// PushUnsynced is the catch-up pass run at the end of a full sync:
// every object authored by the actor that the server has never
// acknowledged is pushed, followed by any deletions still pending.
func (p *Pusher) PushUnsynced(ctx context.Context, actorID string) (accepted, deleted int, err error) {
	owned, err := p.objects.GetByCreator(ctx, actorID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load authored objects: %w", err)
	}
	synced, err := p.registry.SyncedOIDs(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load synced registry: %w", err)
	}

	pending := make([]*models.ManagedObject, 0, len(owned))
	for _, obj := range owned {
		if _, ok := synced[obj.OID]; ok {
			continue
		}
		pending = append(pending, obj)
	}

	accepted, err = p.PushSaved(ctx, pending)
	if err != nil {
		return 0, 0, err
	}

	stones, err := p.registry.Tombstones(ctx)
	if err != nil {
		return accepted, 0, fmt.Errorf("failed to load tombstones: %w", err)
	}
	deleted, err = p.PushDeleted(ctx, stones)
	if err != nil {
		return accepted, 0, err
	}

	return accepted, deleted, nil
}
