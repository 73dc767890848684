package sync

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/waterbug/repsync/internal/client/remote"
	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/pkg/api"
)

// handleEvent applies one pub/sub notification. Runs on the engine
// loop, so it may touch the stores directly. Malformed payloads are
// logged and dropped; a later round repairs whatever they carried.
func (s *Service) handleEvent(ctx context.Context, ev remote.Event) {
	switch ev.Subject {
	case api.SubjectNew:
		s.handleNew(ctx, ev.Payload)
	case api.SubjectModified:
		s.handleModified(ctx, ev.Payload)
	case api.SubjectDeleted:
		s.handleDeleted(ctx, ev.Payload)
	case api.SubjectFrozen:
		s.handleFreezeEvent(ctx, ev.Payload, true)
	case api.SubjectThawed:
		s.handleFreezeEvent(ctx, ev.Payload, false)
	default:
		s.logger.Warn("unknown event subject", "subject", ev.Subject, "topic", ev.Topic)
	}
}

// handleNew applies broadcast objects directly: they arrive with full
// payloads, so no fetch round-trip is needed. An object the cache
// already holds at the same or a newer stamp is a stale rebroadcast and
// is ignored.
func (s *Service) handleNew(ctx context.Context, payload []byte) {
	var ev api.ObjectsEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("malformed new event", "error", err)
		return
	}

	fresh := make([]*models.ManagedObject, 0, len(ev.Objects))
	created := make([]*models.ManagedObject, 0, len(ev.Objects))
	updated := make([]*models.ManagedObject, 0, len(ev.Objects))
	for _, wire := range ev.Objects {
		obj := fromWire(wire)
		cached, err := s.objects.GetObject(ctx, obj.OID)
		switch {
		case errors.Is(err, storage.ErrObjectNotFound):
			created = append(created, obj)
		case err != nil:
			s.logger.Warn("failed to check cache", "oid", obj.OID, "error", err)
			continue
		case obj.NewerThan(cached):
			updated = append(updated, obj)
		default:
			continue
		}
		fresh = append(fresh, obj)
	}
	if len(fresh) == 0 {
		return
	}

	s.catalog.SortByRank(fresh)
	if err := s.objects.SaveObjects(ctx, fresh); err != nil {
		s.logger.Warn("failed to apply new event", "error", err)
		return
	}
	oids := make([]string, 0, len(fresh))
	for _, obj := range fresh {
		oids = append(oids, obj.OID)
	}
	if err := s.registry.MarkSynced(ctx, oids); err != nil {
		s.logger.Warn("failed to mark broadcast objects synced", "error", err)
	}
	if err := s.registry.DeleteTombstones(ctx, oids); err != nil {
		s.logger.Warn("failed to clear superseded tombstones", "error", err)
	}

	categories := make(map[models.Category]struct{})
	for _, obj := range created {
		category := s.catalog.Category(obj.CName)
		categories[category] = struct{}{}
		s.bus.Publish(models.RemoteNew{OID: obj.OID, CName: obj.CName, Category: category})
	}
	for _, obj := range updated {
		category := s.catalog.Category(obj.CName)
		categories[category] = struct{}{}
		s.bus.Publish(models.RemoteModified{OID: obj.OID, CName: obj.CName, Category: category})
	}
	for category := range categories {
		s.bus.Publish(models.CategoryChanged{Category: category})
	}
}

// handleModified fetches the announced revision when it is ahead of the
// cached copy. Oids the cache does not hold are ignored; a stale
// announcement is a no-op.
func (s *Service) handleModified(ctx context.Context, payload []byte) {
	var ev api.ModifiedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("malformed modified event", "error", err)
		return
	}

	stamps, err := s.objects.ModTimesFor(ctx, []string{ev.OID})
	if err != nil {
		s.logger.Warn("failed to check cache", "oid", ev.OID, "error", err)
		return
	}
	stamp, held := stamps[ev.OID]
	if !held || !ev.ModTime.After(stamp) {
		return
	}

	sess := s.sess
	if sess == nil {
		// The next round will pick the revision up from the stamps.
		return
	}
	obj, err := sess.fetcher.FetchOne(ctx, ev.OID)
	if err != nil {
		s.logger.Warn("fetch on modify failed", "oid", ev.OID, "error", err)
		return
	}
	if obj == nil {
		return
	}

	category := s.catalog.Category(obj.CName)
	s.bus.Publish(models.RemoteModified{OID: obj.OID, CName: obj.CName, Category: category})
	s.bus.Publish(models.CategoryChanged{Category: category})
}

// handleDeleted removes the announced oid and leaves a remote-origin
// tombstone so the deletion is never pushed back. Oids the cache does
// not hold are ignored.
func (s *Service) handleDeleted(ctx context.Context, payload []byte) {
	var ev api.DeletedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("malformed deleted event", "error", err)
		return
	}

	cached, err := s.objects.GetObject(ctx, ev.OID)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to check cache", "oid", ev.OID, "error", err)
		return
	}

	if err := s.objects.DeleteObjects(ctx, []string{ev.OID}); err != nil {
		s.logger.Warn("failed to apply deleted event", "oid", ev.OID, "error", err)
		return
	}
	if err := s.registry.UnmarkSynced(ctx, []string{ev.OID}); err != nil {
		s.logger.Warn("failed to unmark deleted object", "oid", ev.OID, "error", err)
	}
	if err := s.registry.SaveTombstones(ctx, []*storage.Tombstone{{
		OID:        ev.OID,
		CName:      cached.CName,
		ProjectOID: cached.ProjectOID,
		ModTime:    cached.ModTime,
		Origin:     models.OriginRemote,
	}}); err != nil {
		s.logger.Warn("failed to record server deletion", "oid", ev.OID, "error", err)
	}
	s.mergeDerived(nil, []string{ev.OID})

	category := s.catalog.Category(cached.CName)
	s.bus.Publish(models.RemoteDeleted{OID: ev.OID, CName: cached.CName, Category: category})
	s.bus.Publish(models.CategoryChanged{Category: category})
}

// handleFreezeEvent applies a broadcast freeze or thaw through the
// session's ledger. Without a session the event is dropped; the flag
// still arrives with the object on the next round, because freezing
// bumps the server-side revision.
func (s *Service) handleFreezeEvent(ctx context.Context, payload []byte, frozen bool) {
	var ev api.FreezeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("malformed freeze event", "error", err)
		return
	}

	sess := s.sess
	if sess == nil {
		return
	}
	changed, err := sess.freezer.Apply(ctx, ev.OIDs, frozen, ev.ModTime, ev.ModifierID)
	if err != nil {
		s.logger.Warn("failed to apply freeze event", "error", err)
		return
	}
	if len(changed) == 0 {
		return
	}

	if frozen {
		s.bus.Publish(models.RemoteFrozen{OIDs: changed})
	} else {
		s.bus.Publish(models.RemoteThawed{OIDs: changed})
	}

	objs, err := s.objects.GetObjects(ctx, changed)
	if err != nil {
		s.logger.Warn("failed to load frozen objects", "error", err)
		return
	}
	categories := make(map[models.Category]struct{})
	for _, obj := range objs {
		categories[s.catalog.Category(obj.CName)] = struct{}{}
	}
	for category := range categories {
		s.bus.Publish(models.CategoryChanged{Category: category})
	}
}
