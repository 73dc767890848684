package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/internal/server/storage"
	"github.com/waterbug/repsync/pkg/api"
)

// Actor is the authenticated identity behind a session.
type Actor struct {
	UserID  string
	UserOID string
	NodeID  string
	Admin   bool
}

// Broadcaster fans event frames out to subscribed sessions. The origin
// session is excluded so a client never echoes its own writes back.
type Broadcaster interface {
	Broadcast(topic, subject string, payload any, except *Session)
	Subscribe(sess *Session, topics []string)
}

// Service implements the repository RPC methods over storage. It is
// stateless between calls; sessions own identity, the hub owns fan-out.
type Service struct {
	objects storage.ObjectRepository
	users   storage.UserRepository
	catalog *models.Catalog
	events  Broadcaster
	logger  *slog.Logger

	now func() time.Time
}

// NewService wires the RPC semantics to storage and the event hub.
func NewService(objects storage.ObjectRepository, users storage.UserRepository,
	catalog *models.Catalog, events Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		objects: objects,
		users:   users,
		catalog: catalog,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

// Dispatch routes one call frame to its method. The returned value is
// marshaled into the result frame; a non-nil *api.Error becomes an
// error frame.
func (s *Service) Dispatch(ctx context.Context, actor Actor, origin *Session,
	method string, params json.RawMessage) (any, *api.Error) {
	switch method {
	case api.MethodSyncObjects:
		var req api.SyncRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.result(s.classify(ctx, storage.Scope{}, req.Stamps))

	case api.MethodSyncLibrary:
		var req api.SyncRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.result(s.classify(ctx, storage.Scope{Library: true}, req.Stamps))

	case api.MethodSyncProject:
		var req api.SyncRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		if req.ProjectOID == "" {
			return nil, api.NewError(api.CodeMalformed, "sync_project requires a project oid")
		}
		return s.result(s.classify(ctx, storage.Scope{ProjectOID: req.ProjectOID}, req.Stamps))

	case api.MethodForceSync:
		var req api.SyncRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.result(s.forceClassify(ctx, req.Stamps))

	case api.MethodGetObjects:
		var req api.GetObjectsRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.result(s.getObjects(ctx, req.OIDs))

	case api.MethodSave:
		var req api.SaveRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.result(s.save(ctx, actor, origin, req.Objects))

	case api.MethodDelete:
		var req api.DeleteRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.result(s.delete(ctx, actor, origin, req.OIDs))

	case api.MethodFreeze:
		var req api.FreezeRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.result(s.setFrozen(ctx, actor, origin, req.OIDs, true))

	case api.MethodThaw:
		var req api.FreezeRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.result(s.setFrozen(ctx, actor, origin, req.OIDs, false))

	case api.MethodSyncRoles:
		return s.result(s.syncRoles(ctx, actor))

	case api.MethodSubscribe:
		var req api.SubscribeRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.result(s.subscribe(ctx, actor, origin, req.Topics))

	default:
		return nil, api.NewError(api.CodeNotFound, "unknown method %q", method)
	}
}

// result maps an internal error onto the wire error space.
func (s *Service) result(value any, err error) (any, *api.Error) {
	if err == nil {
		return value, nil
	}
	s.logger.Error("call failed", "error", err)
	return nil, api.NewError(api.CodeUnavailable, "internal error")
}

func unmarshalParams(params json.RawMessage, into any) *api.Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return api.NewError(api.CodeMalformed, "bad params: %v", err)
	}
	return nil
}

// freezeNote is the side-channel entry classification attaches to
// frozen rows. The freeze holder is repository bookkeeping, not part
// of the object payload, so it travels in the derived map.
type freezeNote struct {
	FrozenBy string `json:"frozen_by"`
}

// classify partitions the client's revision map against the rows in
// scope. Newer is ordered so a referencing class never precedes the
// classes it may reference. Unknown is scope-relative: an oid the
// client holds in this scope but the scope does not contain. The
// client's own rules make that safe, anything it ever synced is
// re-fetched through another scope, anything it authored is pushed.
// Frozen rows attach the freeze holder to the derived side channel.
func (s *Service) classify(ctx context.Context, scope storage.Scope, stamps api.TimestampMap) (*api.SyncResponse, error) {
	rows, err := s.objects.Stamps(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load stamps: %w", err)
	}

	resp := &api.SyncResponse{}
	var newer []storage.Stamp
	seen := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		seen[row.OID] = struct{}{}
		clientStamp, held := stamps[row.OID]

		if row.Deleted {
			if held {
				resp.Deleted = append(resp.Deleted, row.OID)
			}
			continue
		}
		if row.FrozenBy != "" {
			note, err := json.Marshal(freezeNote{FrozenBy: row.FrozenBy})
			if err != nil {
				return nil, fmt.Errorf("failed to encode freeze note for %s: %w", row.OID, err)
			}
			if resp.Derived == nil {
				resp.Derived = make(map[string]json.RawMessage)
			}
			resp.Derived[row.OID] = note
		}
		if !held {
			newer = append(newer, row)
			continue
		}
		switch ns := clientStamp.UnixNano(); {
		case row.ModTime > ns:
			newer = append(newer, row)
		case row.ModTime == ns:
			resp.Same = append(resp.Same, row.OID)
		default:
			resp.Stale = append(resp.Stale, row.OID)
		}
	}

	for oid := range stamps {
		if _, ok := seen[oid]; !ok {
			resp.Unknown = append(resp.Unknown, oid)
		}
	}
	sort.Strings(resp.Unknown)

	resp.Newer = s.orderByClass(newer)
	return resp, nil
}

// forceClassify ignores stamp comparison: anything that differs from
// the client's copy, or that the client lacks, is reported newer.
// Tombstoned rows the client still holds are reported unknown; the
// client's orphan handling then clears or re-pushes them, and a re-push
// bounces off the tombstone.
func (s *Service) forceClassify(ctx context.Context, stamps api.TimestampMap) (*api.ForceSyncResult, error) {
	rows, err := s.objects.Stamps(ctx, storage.Scope{})
	if err != nil {
		return nil, fmt.Errorf("failed to load stamps: %w", err)
	}

	resp := &api.ForceSyncResult{}
	var newer []storage.Stamp
	seen := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		seen[row.OID] = struct{}{}
		clientStamp, held := stamps[row.OID]

		if row.Deleted {
			if held {
				resp.Unknown = append(resp.Unknown, row.OID)
			}
			continue
		}
		if !held || row.ModTime != clientStamp.UnixNano() {
			newer = append(newer, row)
		}
	}

	for oid := range stamps {
		if _, ok := seen[oid]; !ok {
			resp.Unknown = append(resp.Unknown, oid)
		}
	}
	sort.Strings(resp.Unknown)

	resp.Newer = s.orderByClass(newer)
	return resp, nil
}

// orderByClass sorts stamps into catalog dependency order, oid within
// rank for determinism, and returns the oids.
func (s *Service) orderByClass(rows []storage.Stamp) []string {
	sort.Slice(rows, func(i, j int) bool {
		ri, rj := s.catalog.Rank(rows[i].CName), s.catalog.Rank(rows[j].CName)
		if ri != rj {
			return ri < rj
		}
		return rows[i].OID < rows[j].OID
	})
	oids := make([]string, len(rows))
	for i, row := range rows {
		oids[i] = row.OID
	}
	return oids
}

func (s *Service) getObjects(ctx context.Context, oids []string) (*api.GetObjectsResult, error) {
	recs, err := s.objects.GetObjects(ctx, oids)
	if err != nil {
		return nil, fmt.Errorf("failed to load objects: %w", err)
	}

	result := &api.GetObjectsResult{Objects: make([]api.SerializedObject, 0, len(recs))}
	for _, rec := range recs {
		result.Objects = append(result.Objects, toWire(rec))
	}
	return result, nil
}

// save upserts pushed objects. Tombstoned and frozen targets are
// refused; structure-class objects must carry an owning project.
// Accepted writes broadcast to everyone else on the public channel.
func (s *Service) save(ctx context.Context, actor Actor, origin *Session, objs []api.SerializedObject) (*api.SaveResult, error) {
	result := &api.SaveResult{}
	var created []*storage.ObjectRecord
	var modified []*storage.ObjectRecord

	for _, wire := range objs {
		if wire.OID == "" || wire.CName == "" {
			s.logger.Warn("dropping push without identity",
				"oid", wire.OID, "cname", wire.CName, "user_id", actor.UserID)
			continue
		}
		if s.requiresOwner(wire.CName) && wire.ProjectOID == "" {
			result.NoOwner = append(result.NoOwner, wire.OID)
			continue
		}

		existing, err := s.objects.GetObject(ctx, wire.OID)
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("failed to check %s: %w", wire.OID, err)
		}
		if existing != nil && (existing.Deleted || existing.Frozen) {
			result.Unauthorized = append(result.Unauthorized, wire.OID)
			continue
		}

		rec := recordFromWire(wire)
		rec.Library = s.isLibraryClass(wire.CName)
		if rec.CreatorID == "" {
			rec.CreatorID = actor.UserID
		}
		if rec.ModifierID == "" {
			rec.ModifierID = actor.UserID
		}

		if err := s.objects.SaveObject(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to save %s: %w", wire.OID, err)
		}

		if existing == nil {
			result.New = append(result.New, rec.OID)
			created = append(created, rec)
		} else {
			result.Modified = append(result.Modified, rec.OID)
			modified = append(modified, rec)
		}
	}

	if len(created) > 0 {
		s.catalogOrder(created)
		payload := api.ObjectsEvent{Objects: make([]api.SerializedObject, 0, len(created))}
		for _, rec := range created {
			payload.Objects = append(payload.Objects, toWire(rec))
		}
		s.events.Broadcast(api.PublicChannel, api.SubjectNew, payload, origin)
	}
	for _, rec := range modified {
		s.events.Broadcast(api.PublicChannel, api.SubjectModified, api.ModifiedEvent{
			OID:        rec.OID,
			ID:         rec.ID,
			CName:      rec.CName,
			ModTime:    rec.ModTime,
			ModifierID: rec.ModifierID,
		}, origin)
	}

	s.logger.Info("objects saved",
		"user_id", actor.UserID,
		"new", len(result.New),
		"modified", len(result.Modified),
		"unauthorized", len(result.Unauthorized),
		"no_owner", len(result.NoOwner))
	return result, nil
}

// delete tombstones oids. Frozen objects are skipped, the deletion
// stays queued on the client until a thaw. Unknown oids are tombstoned
// too, which blocks stray writes arriving after the deletion.
func (s *Service) delete(ctx context.Context, actor Actor, origin *Session, oids []string) (*api.DeleteResult, error) {
	result := &api.DeleteResult{}
	stamp := s.now().UnixNano()

	for _, oid := range oids {
		if oid == "" {
			continue
		}
		existing, err := s.objects.GetObject(ctx, oid)
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("failed to check %s: %w", oid, err)
		}

		var cname string
		if existing != nil {
			if existing.Deleted {
				result.Deleted = append(result.Deleted, oid)
				continue
			}
			if existing.Frozen {
				s.logger.Warn("refusing to delete frozen object",
					"oid", oid, "frozen_by", existing.FrozenBy, "user_id", actor.UserID)
				continue
			}
			cname = existing.CName
		}

		if err := s.objects.Tombstone(ctx, oid, actor.UserID, stamp); err != nil {
			return nil, fmt.Errorf("failed to tombstone %s: %w", oid, err)
		}
		result.Deleted = append(result.Deleted, oid)

		s.events.Broadcast(api.PublicChannel, api.SubjectDeleted,
			api.DeletedEvent{OID: oid, CName: cname}, origin)
	}

	s.logger.Info("objects deleted", "user_id", actor.UserID, "count", len(result.Deleted))
	return result, nil
}

// setFrozen flips the freeze state. Freezing an object someone else
// froze, or thawing one without being its freezer or an administrator,
// is unauthorized.
func (s *Service) setFrozen(ctx context.Context, actor Actor, origin *Session, oids []string, frozen bool) (*api.FreezeResult, error) {
	now := s.now().UTC()
	result := &api.FreezeResult{ModTime: now, ModifierID: actor.UserID}

	for _, oid := range oids {
		existing, err := s.objects.GetObject(ctx, oid)
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("failed to check %s: %w", oid, err)
		}
		if existing == nil || existing.Deleted {
			result.Unauthorized = append(result.Unauthorized, oid)
			continue
		}
		if existing.Frozen && existing.FrozenBy != actor.UserID && !actor.Admin {
			result.Unauthorized = append(result.Unauthorized, oid)
			continue
		}

		frozenBy := ""
		if frozen {
			frozenBy = actor.UserID
		}
		if err := s.objects.SetFrozen(ctx, oid, frozen, frozenBy, actor.UserID, now.UnixNano()); err != nil {
			return nil, fmt.Errorf("failed to update %s: %w", oid, err)
		}
		result.OK = append(result.OK, oid)
	}

	if len(result.OK) > 0 {
		subject := api.SubjectFrozen
		if !frozen {
			subject = api.SubjectThawed
		}
		s.events.Broadcast(api.PublicChannel, subject, api.FreezeEvent{
			OIDs:       result.OK,
			ModTime:    now,
			ModifierID: actor.UserID,
		}, origin)
	}

	return result, nil
}

// syncRoles answers who the actor is and what it may see: its own
// object, the organizations it holds roles in, the assignments, and
// the channels to subscribe to.
func (s *Service) syncRoles(ctx context.Context, actor Actor) (*api.SyncRolesResult, error) {
	result := &api.SyncRolesResult{
		Channels: []string{api.PublicChannel},
	}

	userRec, err := s.objects.GetObject(ctx, actor.UserOID)
	switch {
	case err == nil && !userRec.Deleted:
		result.User = toWire(userRec)
	case err == nil || errors.Is(err, storage.ErrObjectNotFound):
		// Enrolled before the identity object existed; synthesize one.
		user, uerr := s.users.GetUser(ctx, actor.UserID)
		if uerr != nil {
			return nil, fmt.Errorf("failed to load user: %w", uerr)
		}
		result.User = api.SerializedObject{
			OID:     user.OID,
			ID:      user.UserID,
			CName:   "Person",
			ModTime: user.CreatedAt,
		}
	default:
		return nil, fmt.Errorf("failed to load user object: %w", err)
	}

	assignments, err := s.users.Assignments(ctx, actor.UserOID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}

	seenOrgs := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		result.Assignments = append(result.Assignments, api.RoleAssignment{
			Role:   a.Role,
			OrgOID: a.OrgOID,
		})
		if _, ok := seenOrgs[a.OrgOID]; ok {
			continue
		}
		seenOrgs[a.OrgOID] = struct{}{}
		result.Channels = append(result.Channels, api.OrgChannel(a.OrgOID))

		orgRec, oerr := s.objects.GetObject(ctx, a.OrgOID)
		if oerr != nil {
			if errors.Is(oerr, storage.ErrObjectNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load organization %s: %w", a.OrgOID, oerr)
		}
		if !orgRec.Deleted {
			result.Organizations = append(result.Organizations, toWire(orgRec))
		}
	}

	return result, nil
}

// subscribe registers the session on the requested topics, silently
// dropping channels the actor has no role for.
func (s *Service) subscribe(ctx context.Context, actor Actor, origin *Session, topics []string) (*api.SubscribeResult, error) {
	assignments, err := s.users.Assignments(ctx, actor.UserOID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}
	entitled := map[string]struct{}{api.PublicChannel: {}}
	for _, a := range assignments {
		entitled[api.OrgChannel(a.OrgOID)] = struct{}{}
	}

	result := &api.SubscribeResult{}
	for _, topic := range topics {
		if _, ok := entitled[topic]; ok {
			result.Subscribed = append(result.Subscribed, topic)
		} else {
			s.logger.Warn("refusing subscription", "topic", topic, "user_id", actor.UserID)
		}
	}

	s.events.Subscribe(origin, result.Subscribed)
	return result, nil
}

func (s *Service) requiresOwner(cname string) bool {
	return s.catalog.Category(cname) == models.CategoryStructure
}

func (s *Service) isLibraryClass(cname string) bool {
	def, ok := s.catalog.Lookup(cname)
	return ok && def.Library
}

func (s *Service) catalogOrder(recs []*storage.ObjectRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return s.catalog.Rank(recs[i].CName) < s.catalog.Rank(recs[j].CName)
	})
}

// toWire serializes a record for transport.
func toWire(rec *storage.ObjectRecord) api.SerializedObject {
	return api.SerializedObject{
		OID:        rec.OID,
		ID:         rec.ID,
		CName:      rec.CName,
		ProjectOID: rec.ProjectOID,
		CreatorID:  rec.CreatorID,
		ModifierID: rec.ModifierID,
		ModTime:    rec.ModTime,
		Frozen:     rec.Frozen,
		Attrs:      rec.Attrs,
	}
}

// recordFromWire builds a repository row from a pushed object. The
// frozen flag is server-owned and never taken from the wire.
func recordFromWire(obj api.SerializedObject) *storage.ObjectRecord {
	return &storage.ObjectRecord{
		ManagedObject: models.ManagedObject{
			OID:        obj.OID,
			ID:         obj.ID,
			CName:      obj.CName,
			ProjectOID: obj.ProjectOID,
			CreatorID:  obj.CreatorID,
			ModifierID: obj.ModifierID,
			ModTime:    obj.ModTime.UTC(),
			Attrs:      obj.Attrs,
		},
	}
}
