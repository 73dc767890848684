package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/remote"
	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/pkg/api"
)

var (
	// ErrSyncInFlight rejects a round for a scope that already has one
	// running. Rounds are never queued behind each other.
	ErrSyncInFlight = errors.New("sync already in flight for this scope")

	// ErrNotConnected rejects operations that need a live session.
	ErrNotConnected = errors.New("not connected to the repository")
)

// Config carries the engine settings that do not change for the life of
// a Service.
type Config struct {
	// ActorID is the authenticated user id. Creator comparisons during
	// reconciliation run against it.
	ActorID string
	// SandboxOID is the pseudo-project whose objects never sync.
	SandboxOID string
	// ChunkSize bounds one fetch batch.
	ChunkSize int
}

// Report counts what one orchestrated pass changed locally.
type Report struct {
	Fetched int
	Pushed  int
	Deleted int
}

func (r *Report) add(other Report) {
	r.Fetched += other.Fetched
	r.Pushed += other.Pushed
	r.Deleted += other.Deleted
}

// session bundles the per-connection pipeline. A new one is built on
// every successful dial and torn down on drop.
type session struct {
	repo    remote.Repository
	fetcher *Fetcher
	pusher  *Pusher
	freezer *Freezer
}

// command is one unit of work for the engine loop. done is nil for
// fire-and-forget work posted by the authoring layer.
type command struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// Service is the sync engine. All Object Store mutation funnels through
// its Run loop: entry points post commands and wait, remote push events
// are delivered over a channel, and the authoring layer queues
// fire-and-forget pushes. Observers on the notification bus are called
// from the loop goroutine and must not call back into the engine
// synchronously.
type Service struct {
	objects  storage.ObjectStorage
	registry storage.RegistryStorage
	catalog  *models.Catalog
	bus      *notify.Bus
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	commands     chan command
	remoteEvents chan remote.Event

	// loop-owned, never touched outside Run
	sess *session

	mu          stdsync.Mutex
	inflight    map[models.Scope]bool
	sessions    map[models.Scope]models.SyncSession
	derived     map[string]json.RawMessage
	assignments []api.RoleAssignment
}

// NewService builds the engine. Run must be started before any entry
// point is used.
func NewService(
	objects storage.ObjectStorage,
	registry storage.RegistryStorage,
	catalog *models.Catalog,
	bus *notify.Bus,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Service{
		objects:      objects,
		registry:     registry,
		catalog:      catalog,
		bus:          bus,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		commands:     make(chan command, 32),
		remoteEvents: make(chan remote.Event, 64),
		inflight:     make(map[models.Scope]bool),
		sessions:     make(map[models.Scope]models.SyncSession),
		derived:      make(map[string]json.RawMessage),
	}
}

// Run is the engine loop. It returns when ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.commands:
			err := cmd.ctx.Err()
			if err == nil {
				err = cmd.run(cmd.ctx)
			}
			if cmd.done != nil {
				cmd.done <- err
			}
		case ev := <-s.remoteEvents:
			s.handleEvent(ctx, ev)
		}
	}
}

// post runs fn on the engine loop and waits for its result.
func (s *Service) post(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case s.commands <- command{ctx: ctx, run: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync queues fn without waiting for it.
func (s *Service) postAsync(fn func(ctx context.Context) error) {
	s.commands <- command{ctx: context.Background(), run: fn}
}

// AttachSession installs a freshly dialed transport and builds the
// per-session pipeline around it.
func (s *Service) AttachSession(ctx context.Context, repo remote.Repository) error {
	return s.post(ctx, func(context.Context) error {
		s.sess = &session{
			repo:    repo,
			fetcher: NewFetcher(repo, s.objects, s.registry, s.catalog, s.bus, s.logger, s.cfg.ChunkSize),
			pusher:  NewPusher(repo, s.objects, s.registry, s.bus, s.logger, s.cfg.SandboxOID),
			freezer: NewFreezer(repo, s.objects, s.bus, s.logger),
		}
		return nil
	})
}

// DetachSession drops the transport after a disconnect. Queued work that
// needs a session fails with ErrNotConnected until the next attach.
func (s *Service) DetachSession(ctx context.Context) error {
	return s.post(ctx, func(context.Context) error {
		s.sess = nil
		return nil
	})
}

// Deliver feeds one pub/sub event into the engine loop.
func (s *Service) Deliver(ctx context.Context, ev remote.Event) error {
	select {
	case s.remoteEvents <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Derived returns the computed side-channel data for an oid, if the
// server has sent any this session.
func (s *Service) Derived(oid string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.derived[oid]
	return data, ok
}

// Assignments returns the role assignments fetched by the last RoleSync.
func (s *Service) Assignments() []api.RoleAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.RoleAssignment(nil), s.assignments...)
}

// Session returns the bookkeeping record of the scope's last completed
// round in this process. ok is false before the first completed round.
func (s *Service) Session(scope models.Scope) (models.SyncSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[scope]
	return sess, ok
}

func (s *Service) recordRound(scope models.Scope, at time.Time, force bool) {
	s.mu.Lock()
	s.sessions[scope] = models.SyncSession{Scope: scope, LastSync: at, Force: force}
	s.mu.Unlock()
}

// Reset clears session-scoped engine state. Called at logout, after the
// stores have been wiped.
func (s *Service) Reset(ctx context.Context) error {
	return s.post(ctx, func(context.Context) error {
		s.mu.Lock()
		s.derived = make(map[string]json.RawMessage)
		s.sessions = make(map[models.Scope]models.SyncSession)
		s.assignments = nil
		s.mu.Unlock()
		return nil
	})
}

func (s *Service) begin(scopes ...models.Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scope := range scopes {
		if s.inflight[scope] {
			return false
		}
	}
	for _, scope := range scopes {
		s.inflight[scope] = true
	}
	return true
}

func (s *Service) end(scopes ...models.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scope := range scopes {
		delete(s.inflight, scope)
	}
}

// SyncAll runs the full orchestrated pass: RoleSync, then the shared
// library, then the active project (when one is set), then the push of
// everything authored locally that the server has not acknowledged.
// Phases run strictly in that order on the engine loop.
func (s *Service) SyncAll(ctx context.Context, projectOID string) (*Report, error) {
	scopes := []models.Scope{models.GlobalScope(), models.LibraryScope()}
	if projectOID != "" {
		scopes = append(scopes, models.ProjectScope(projectOID))
	}
	if !s.begin(scopes...) {
		return nil, ErrSyncInFlight
	}
	defer s.end(scopes...)

	var report Report
	err := s.post(ctx, func(ctx context.Context) error {
		sess := s.sess
		if sess == nil {
			return ErrNotConnected
		}

		if err := s.roleSync(ctx, sess, &report); err != nil {
			return err
		}
		libReport, err := s.round(ctx, sess, models.LibraryScope())
		if err != nil {
			return err
		}
		report.add(*libReport)

		if projectOID != "" {
			projReport, err := s.round(ctx, sess, models.ProjectScope(projectOID))
			if err != nil {
				return err
			}
			report.add(*projReport)
		}

		accepted, deleted, err := sess.pusher.PushUnsynced(ctx, s.cfg.ActorID)
		if err != nil {
			return err
		}
		report.Pushed += accepted
		report.Deleted += deleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Sync runs one classification round over the whole cache.
func (s *Service) Sync(ctx context.Context) (*Report, error) {
	scope := models.GlobalScope()
	if !s.begin(scope) {
		return nil, ErrSyncInFlight
	}
	defer s.end(scope)

	var report Report
	err := s.post(ctx, func(ctx context.Context) error {
		sess := s.sess
		if sess == nil {
			return ErrNotConnected
		}
		r, err := s.round(ctx, sess, scope)
		if err != nil {
			return err
		}
		report = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ForceSync is the manual repair path: the server ignores timestamps
// and reports every oid that differs at all as newer. Running it twice
// back to back leaves nothing to repair on the second pass.
func (s *Service) ForceSync(ctx context.Context) (*Report, error) {
	scope := models.GlobalScope()
	if !s.begin(scope) {
		return nil, ErrSyncInFlight
	}
	defer s.end(scope)

	var report Report
	err := s.post(ctx, func(ctx context.Context) error {
		sess := s.sess
		if sess == nil {
			return ErrNotConnected
		}

		s.bus.Publish(models.SyncStarted{Scope: scope})
		local, stamps, err := s.snapshot(ctx, scope)
		if err != nil {
			return err
		}

		result, err := sess.repo.ForceSync(ctx, stamps)
		if errors.Is(err, remote.ErrMalformed) {
			s.logger.Warn("malformed force_sync response, skipping round", "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("force_sync failed: %w", err)
		}

		resp := &api.SyncResponse{Newer: result.Newer, Unknown: result.Unknown}
		r, err := s.applyResponse(ctx, sess, scope, local, resp)
		if err != nil {
			return err
		}
		report = *r

		at := s.now().UTC()
		if err := s.registry.SetLastSync(ctx, scope, at); err != nil {
			return fmt.Errorf("failed to record sync time: %w", err)
		}
		s.recordRound(scope, at, true)
		s.bus.Publish(models.ObjectsSynced{
			Scope: scope, Fetched: r.Fetched, Pushed: r.Pushed, Deleted: r.Deleted,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Resubscribe re-registers the stored pub/sub channels after a short
// outage, without rerunning any sync phase.
func (s *Service) Resubscribe(ctx context.Context) error {
	return s.post(ctx, func(ctx context.Context) error {
		sess := s.sess
		if sess == nil {
			return ErrNotConnected
		}
		channels, err := s.registry.Channels(ctx)
		if err != nil {
			return fmt.Errorf("failed to load channels: %w", err)
		}
		if len(channels) == 0 {
			return nil
		}
		if _, err := sess.repo.Subscribe(ctx, channels); err != nil {
			return fmt.Errorf("failed to resubscribe: %w", err)
		}
		s.logger.Info("resubscribed", "channels", len(channels))
		return nil
	})
}

// Freeze asks the server to freeze the given oids and applies the
// confirmed subset.
func (s *Service) Freeze(ctx context.Context, oids []string) ([]string, error) {
	var ok []string
	err := s.post(ctx, func(ctx context.Context) error {
		sess := s.sess
		if sess == nil {
			return ErrNotConnected
		}
		var err error
		ok, err = sess.freezer.RequestFreeze(ctx, oids)
		return err
	})
	return ok, err
}

// Thaw asks the server to thaw the given oids and applies the confirmed
// subset.
func (s *Service) Thaw(ctx context.Context, oids []string) ([]string, error) {
	var ok []string
	err := s.post(ctx, func(ctx context.Context) error {
		sess := s.sess
		if sess == nil {
			return ErrNotConnected
		}
		var err error
		ok, err = sess.freezer.RequestThaw(ctx, oids)
		return err
	})
	return ok, err
}

// QueuePush schedules an immediate asynchronous push of authored
// objects. A no-op while disconnected; the next round picks the work up
// from the revision stamps instead.
func (s *Service) QueuePush(objs []*models.ManagedObject) {
	s.postAsync(func(ctx context.Context) error {
		sess := s.sess
		if sess == nil {
			return nil
		}
		if _, err := sess.pusher.PushSaved(ctx, objs); err != nil {
			s.logger.Warn("async push failed", "objects", len(objs), "error", err)
		}
		return nil
	})
}

// QueueDelete schedules an immediate asynchronous push of deletions.
// A no-op while disconnected; the tombstones stay pending for the next
// round.
func (s *Service) QueueDelete(stones []*storage.Tombstone) {
	s.postAsync(func(ctx context.Context) error {
		sess := s.sess
		if sess == nil {
			return nil
		}
		if _, err := sess.pusher.PushDeleted(ctx, stones); err != nil {
			s.logger.Warn("async delete push failed", "deletions", len(stones), "error", err)
		}
		return nil
	})
}

// roleSync fetches the actor's identity objects, organizations, role
// assignments and entitled channels, persists them, and subscribes the
// session.
func (s *Service) roleSync(ctx context.Context, sess *session, report *Report) error {
	result, err := sess.repo.SyncRoles(ctx)
	if errors.Is(err, remote.ErrMalformed) {
		s.logger.Warn("malformed sync_roles response, skipping phase", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync_roles failed: %w", err)
	}

	objs := make([]*models.ManagedObject, 0, 1+len(result.Organizations))
	if result.User.OID != "" {
		objs = append(objs, fromWire(result.User))
	}
	for _, org := range result.Organizations {
		objs = append(objs, fromWire(org))
	}
	if len(objs) > 0 {
		s.catalog.SortByRank(objs)
		if err := s.objects.SaveObjects(ctx, objs); err != nil {
			return fmt.Errorf("failed to save identity objects: %w", err)
		}
		oids := make([]string, 0, len(objs))
		for _, obj := range objs {
			oids = append(oids, obj.OID)
		}
		if err := s.registry.MarkSynced(ctx, oids); err != nil {
			return fmt.Errorf("failed to mark identity objects synced: %w", err)
		}
		report.Fetched += len(objs)
	}

	if err := s.registry.SaveChannels(ctx, result.Channels); err != nil {
		return fmt.Errorf("failed to save channels: %w", err)
	}
	if _, err := sess.repo.Subscribe(ctx, result.Channels); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.mu.Lock()
	s.assignments = append([]api.RoleAssignment(nil), result.Assignments...)
	s.mu.Unlock()

	s.logger.Info("roles synced",
		"organizations", len(result.Organizations),
		"assignments", len(result.Assignments),
		"channels", len(result.Channels))
	return nil
}

// round runs one classification round for a scope: snapshot, classify,
// reconcile, apply.
func (s *Service) round(ctx context.Context, sess *session, scope models.Scope) (*Report, error) {
	s.bus.Publish(models.SyncStarted{Scope: scope})

	local, stamps, err := s.snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}

	var resp *api.SyncResponse
	switch scope.Kind {
	case models.ScopeLibrary:
		resp, err = sess.repo.SyncLibrary(ctx, stamps)
	case models.ScopeProject:
		resp, err = sess.repo.SyncProject(ctx, scope.ProjectOID, stamps)
	default:
		resp, err = sess.repo.SyncObjects(ctx, stamps)
	}
	if errors.Is(err, remote.ErrMalformed) {
		s.logger.Warn("malformed sync response, skipping round",
			"scope", scope.String(), "error", err)
		return &Report{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sync round for %s failed: %w", scope.String(), err)
	}

	report, err := s.applyResponse(ctx, sess, scope, local, resp)
	if err != nil {
		return nil, err
	}

	at := s.now().UTC()
	if err := s.registry.SetLastSync(ctx, scope, at); err != nil {
		return nil, fmt.Errorf("failed to record sync time: %w", err)
	}
	s.recordRound(scope, at, false)
	s.bus.Publish(models.ObjectsSynced{
		Scope:   scope,
		Fetched: report.Fetched,
		Pushed:  report.Pushed,
		Deleted: report.Deleted,
	})
	return report, nil
}

// snapshot builds the reconciler's view of a scope and the stamp map
// sent to the server. Live rows contribute their revision stamps;
// pending local deletions contribute their tombstone stamps so the
// server can classify them (newer wins over the deletion, otherwise the
// push pipeline carries it). Sandbox rows and remote-origin tombstones
// stay out of the stamp map entirely.
func (s *Service) snapshot(ctx context.Context, scope models.Scope) (map[string]LocalObject, api.TimestampMap, error) {
	objs, err := s.collectObjects(ctx, scope)
	if err != nil {
		return nil, nil, err
	}
	synced, err := s.registry.SyncedOIDs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load synced registry: %w", err)
	}
	stones, err := s.registry.Tombstones(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load tombstones: %w", err)
	}

	local := make(map[string]LocalObject, len(objs)+len(stones))
	stamps := make(api.TimestampMap, len(objs)+len(stones))

	for _, obj := range objs {
		_, isSynced := synced[obj.OID]
		sandbox := s.isSandbox(obj.ProjectOID)
		local[obj.OID] = LocalObject{
			ModTime: obj.ModTime,
			Creator: obj.CreatorID,
			Sandbox: sandbox,
			Synced:  isSynced,
		}
		if !sandbox {
			stamps[obj.OID] = obj.ModTime
		}
	}

	for _, stone := range stones {
		if stone.Origin == models.OriginRemote || !s.stoneInScope(stone, scope) {
			continue
		}
		_, isSynced := synced[stone.OID]
		local[stone.OID] = LocalObject{
			ModTime: stone.ModTime,
			Synced:  isSynced,
			Deleted: true,
		}
		stamps[stone.OID] = stone.ModTime
	}

	return local, stamps, nil
}

func (s *Service) collectObjects(ctx context.Context, scope models.Scope) ([]*models.ManagedObject, error) {
	switch scope.Kind {
	case models.ScopeLibrary:
		var out []*models.ManagedObject
		for _, cname := range s.catalog.LibraryClasses() {
			objs, err := s.objects.GetByClass(ctx, cname)
			if err != nil {
				return nil, fmt.Errorf("failed to load %s objects: %w", cname, err)
			}
			out = append(out, objs...)
		}
		return out, nil
	case models.ScopeProject:
		objs, err := s.objects.GetByProject(ctx, scope.ProjectOID)
		if err != nil {
			return nil, fmt.Errorf("failed to load project objects: %w", err)
		}
		return objs, nil
	default:
		objs, err := s.objects.GetAllObjects(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load cache: %w", err)
		}
		return objs, nil
	}
}

func (s *Service) stoneInScope(stone *storage.Tombstone, scope models.Scope) bool {
	switch scope.Kind {
	case models.ScopeLibrary:
		def, ok := s.catalog.Lookup(stone.CName)
		return ok && def.Library
	case models.ScopeProject:
		return stone.ProjectOID == scope.ProjectOID
	default:
		return true
	}
}

func (s *Service) isSandbox(projectOID string) bool {
	return s.cfg.SandboxOID != "" && projectOID == s.cfg.SandboxOID
}

// applyResponse reconciles a classification against the snapshot and
// applies the resulting actions: local deletions first, then fetches in
// server order, then pushes.
func (s *Service) applyResponse(ctx context.Context, sess *session, scope models.Scope, local map[string]LocalObject, resp *api.SyncResponse) (*Report, error) {
	actions := Reconcile(local, s.cfg.ActorID, resp)
	s.mergeDerived(resp.Derived, actions.Delete)

	report := &Report{}

	if len(actions.Delete) > 0 {
		deleted, err := s.applyDeletes(ctx, actions.Delete, resp.Deleted)
		if err != nil {
			return report, err
		}
		report.Deleted = deleted
	}

	if len(actions.Fetch) > 0 {
		fetched, err := sess.fetcher.FetchAll(ctx, scope, actions.Fetch)
		report.Fetched = fetched
		if err != nil {
			return report, fmt.Errorf("fetch pipeline failed: %w", err)
		}
	}

	if len(actions.Push) > 0 {
		objs, err := s.objects.GetObjects(ctx, actions.Push)
		if err != nil {
			return report, fmt.Errorf("failed to load push candidates: %w", err)
		}
		pushed, err := sess.pusher.PushSaved(ctx, objs)
		report.Pushed = pushed
		if err != nil {
			return report, err
		}
	}

	return report, nil
}

// applyDeletes removes oids the reconciler condemned. Rows the server
// tombstoned leave a remote-origin tombstone behind so the deletion is
// never pushed back; pending local tombstones for these oids are moot
// and dropped.
func (s *Service) applyDeletes(ctx context.Context, victims, serverDeleted []string) (int, error) {
	cached, err := s.objects.GetObjects(ctx, victims)
	if err != nil {
		return 0, fmt.Errorf("failed to load objects for deletion: %w", err)
	}

	if err := s.objects.DeleteObjects(ctx, victims); err != nil {
		return 0, fmt.Errorf("failed to delete objects: %w", err)
	}
	if err := s.registry.UnmarkSynced(ctx, victims); err != nil {
		return 0, fmt.Errorf("failed to unmark deleted objects: %w", err)
	}
	if err := s.registry.DeleteTombstones(ctx, victims); err != nil {
		return 0, fmt.Errorf("failed to clear pending tombstones: %w", err)
	}

	fromServer := make(map[string]struct{}, len(serverDeleted))
	for _, oid := range serverDeleted {
		fromServer[oid] = struct{}{}
	}
	stones := make([]*storage.Tombstone, 0, len(cached))
	categories := make(map[models.Category]struct{})
	for _, obj := range cached {
		categories[s.catalog.Category(obj.CName)] = struct{}{}
		if _, ok := fromServer[obj.OID]; !ok {
			continue
		}
		stones = append(stones, &storage.Tombstone{
			OID:        obj.OID,
			CName:      obj.CName,
			ProjectOID: obj.ProjectOID,
			ModTime:    obj.ModTime,
			Origin:     models.OriginRemote,
		})
	}
	if len(stones) > 0 {
		if err := s.registry.SaveTombstones(ctx, stones); err != nil {
			return 0, fmt.Errorf("failed to record server deletions: %w", err)
		}
	}

	for category := range categories {
		s.bus.Publish(models.CategoryChanged{Category: category})
	}
	return len(cached), nil
}

// mergeDerived folds the round's computed side-channel data into the
// engine-owned cache and drops entries for oids being deleted.
func (s *Service) mergeDerived(derived map[string]json.RawMessage, deleted []string) {
	if len(derived) == 0 && len(deleted) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for oid, data := range derived {
		s.derived[oid] = data
	}
	for _, oid := range deleted {
		delete(s.derived, oid)
	}
}
