package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/pkg/api"
)

// fakeRepo implements remote.Repository with per-method function hooks.
// Unhooked methods return empty results. Traffic is recorded under a
// lock so engine-loop tests can assert on it from the test goroutine.
type fakeRepo struct {
	syncObjectsFunc func(ctx context.Context, stamps api.TimestampMap) (*api.SyncResponse, error)
	syncLibraryFunc func(ctx context.Context, stamps api.TimestampMap) (*api.SyncResponse, error)
	syncProjectFunc func(ctx context.Context, projectOID string, stamps api.TimestampMap) (*api.SyncResponse, error)
	forceSyncFunc   func(ctx context.Context, stamps api.TimestampMap) (*api.ForceSyncResult, error)
	getObjectsFunc  func(ctx context.Context, oids []string) ([]api.SerializedObject, error)
	saveFunc        func(ctx context.Context, objs []api.SerializedObject) (*api.SaveResult, error)
	deleteFunc      func(ctx context.Context, oids []string) (*api.DeleteResult, error)
	freezeFunc      func(ctx context.Context, oids []string) (*api.FreezeResult, error)
	thawFunc        func(ctx context.Context, oids []string) (*api.FreezeResult, error)
	syncRolesFunc   func(ctx context.Context) (*api.SyncRolesResult, error)
	subscribeFunc   func(ctx context.Context, topics []string) (*api.SubscribeResult, error)

	mu           stdsync.Mutex
	calls        []string
	getBatches   [][]string
	savedBatches [][]api.SerializedObject
	deleteCalls  [][]string
	subscribed   [][]string
}

func (r *fakeRepo) record(method string) {
	r.mu.Lock()
	r.calls = append(r.calls, method)
	r.mu.Unlock()
}

func (r *fakeRepo) callTrace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRepo) fetches() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.getBatches...)
}

func (r *fakeRepo) saved() [][]api.SerializedObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]api.SerializedObject(nil), r.savedBatches...)
}

func (r *fakeRepo) deleted() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.deleteCalls...)
}

func (r *fakeRepo) subscriptions() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.subscribed...)
}

func (r *fakeRepo) SyncObjects(ctx context.Context, stamps api.TimestampMap) (*api.SyncResponse, error) {
	r.record("sync_objects")
	if r.syncObjectsFunc != nil {
		return r.syncObjectsFunc(ctx, stamps)
	}
	return &api.SyncResponse{}, nil
}

func (r *fakeRepo) SyncLibrary(ctx context.Context, stamps api.TimestampMap) (*api.SyncResponse, error) {
	r.record("sync_library")
	if r.syncLibraryFunc != nil {
		return r.syncLibraryFunc(ctx, stamps)
	}
	return &api.SyncResponse{}, nil
}

func (r *fakeRepo) SyncProject(ctx context.Context, projectOID string, stamps api.TimestampMap) (*api.SyncResponse, error) {
	r.record("sync_project")
	if r.syncProjectFunc != nil {
		return r.syncProjectFunc(ctx, projectOID, stamps)
	}
	return &api.SyncResponse{}, nil
}

func (r *fakeRepo) ForceSync(ctx context.Context, stamps api.TimestampMap) (*api.ForceSyncResult, error) {
	r.record("force_sync")
	if r.forceSyncFunc != nil {
		return r.forceSyncFunc(ctx, stamps)
	}
	return &api.ForceSyncResult{}, nil
}

func (r *fakeRepo) GetObjects(ctx context.Context, oids []string) ([]api.SerializedObject, error) {
	r.record("get_objects")
	r.mu.Lock()
	r.getBatches = append(r.getBatches, append([]string(nil), oids...))
	r.mu.Unlock()
	if r.getObjectsFunc != nil {
		return r.getObjectsFunc(ctx, oids)
	}
	return nil, nil
}

func (r *fakeRepo) Save(ctx context.Context, objs []api.SerializedObject) (*api.SaveResult, error) {
	r.record("save")
	r.mu.Lock()
	r.savedBatches = append(r.savedBatches, append([]api.SerializedObject(nil), objs...))
	r.mu.Unlock()
	if r.saveFunc != nil {
		return r.saveFunc(ctx, objs)
	}
	return &api.SaveResult{}, nil
}

func (r *fakeRepo) Delete(ctx context.Context, oids []string) (*api.DeleteResult, error) {
	r.record("delete")
	r.mu.Lock()
	r.deleteCalls = append(r.deleteCalls, append([]string(nil), oids...))
	r.mu.Unlock()
	if r.deleteFunc != nil {
		return r.deleteFunc(ctx, oids)
	}
	return &api.DeleteResult{}, nil
}

func (r *fakeRepo) Freeze(ctx context.Context, oids []string) (*api.FreezeResult, error) {
	r.record("freeze")
	if r.freezeFunc != nil {
		return r.freezeFunc(ctx, oids)
	}
	return &api.FreezeResult{}, nil
}

func (r *fakeRepo) Thaw(ctx context.Context, oids []string) (*api.FreezeResult, error) {
	r.record("thaw")
	if r.thawFunc != nil {
		return r.thawFunc(ctx, oids)
	}
	return &api.FreezeResult{}, nil
}

func (r *fakeRepo) SyncRoles(ctx context.Context) (*api.SyncRolesResult, error) {
	r.record("sync_roles")
	if r.syncRolesFunc != nil {
		return r.syncRolesFunc(ctx)
	}
	return &api.SyncRolesResult{}, nil
}

func (r *fakeRepo) Subscribe(ctx context.Context, topics []string) (*api.SubscribeResult, error) {
	r.record("subscribe")
	r.mu.Lock()
	r.subscribed = append(r.subscribed, append([]string(nil), topics...))
	r.mu.Unlock()
	if r.subscribeFunc != nil {
		return r.subscribeFunc(ctx, topics)
	}
	return &api.SubscribeResult{Subscribed: topics}, nil
}

// fakeObjects is a map-backed ObjectStorage. saveErr and deleteErr, when
// set, fail the corresponding mutation.
type fakeObjects struct {
	mu        stdsync.Mutex
	objects   map[string]*models.ManagedObject
	saveErr   error
	deleteErr error
	saveOrder [][]string
}

func newFakeObjects(objs ...*models.ManagedObject) *fakeObjects {
	f := &fakeObjects{objects: make(map[string]*models.ManagedObject)}
	for _, obj := range objs {
		f.objects[obj.OID] = obj.Clone()
	}
	return f
}

func (f *fakeObjects) SaveObjects(_ context.Context, objs []*models.ManagedObject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	oids := make([]string, 0, len(objs))
	for _, obj := range objs {
		f.objects[obj.OID] = obj.Clone()
		oids = append(oids, obj.OID)
	}
	f.saveOrder = append(f.saveOrder, oids)
	return nil
}

func (f *fakeObjects) GetObject(_ context.Context, oid string) (*models.ManagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[oid]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return obj.Clone(), nil
}

func (f *fakeObjects) GetObjects(_ context.Context, oids []string) ([]*models.ManagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ManagedObject, 0, len(oids))
	for _, oid := range oids {
		if obj, ok := f.objects[oid]; ok {
			out = append(out, obj.Clone())
		}
	}
	return out, nil
}

func (f *fakeObjects) GetByClass(_ context.Context, cname string) ([]*models.ManagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ManagedObject
	for _, obj := range f.objects {
		if obj.CName == cname {
			out = append(out, obj.Clone())
		}
	}
	return out, nil
}

func (f *fakeObjects) GetByProject(_ context.Context, projectOID string) ([]*models.ManagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ManagedObject
	for _, obj := range f.objects {
		if obj.ProjectOID == projectOID {
			out = append(out, obj.Clone())
		}
	}
	return out, nil
}

func (f *fakeObjects) GetByCreator(_ context.Context, creatorID string) ([]*models.ManagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ManagedObject
	for _, obj := range f.objects {
		if obj.CreatorID == creatorID {
			out = append(out, obj.Clone())
		}
	}
	return out, nil
}

func (f *fakeObjects) GetAllObjects(_ context.Context) ([]*models.ManagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ManagedObject, 0, len(f.objects))
	for _, obj := range f.objects {
		out = append(out, obj.Clone())
	}
	return out, nil
}

func (f *fakeObjects) ModTimes(_ context.Context, cnames ...string) (models.TimestampMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]struct{}, len(cnames))
	for _, cname := range cnames {
		wanted[cname] = struct{}{}
	}
	stamps := make(models.TimestampMap)
	for _, obj := range f.objects {
		if len(wanted) > 0 {
			if _, ok := wanted[obj.CName]; !ok {
				continue
			}
		}
		stamps[obj.OID] = obj.ModTime
	}
	return stamps, nil
}

func (f *fakeObjects) ModTimesFor(_ context.Context, oids []string) (models.TimestampMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stamps := make(models.TimestampMap, len(oids))
	for _, oid := range oids {
		if obj, ok := f.objects[oid]; ok {
			stamps[oid] = obj.ModTime
		}
	}
	return stamps, nil
}

func (f *fakeObjects) FindByID(_ context.Context, cname, id string) (*models.ManagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range f.objects {
		if obj.CName == cname && obj.ID == id {
			return obj.Clone(), nil
		}
	}
	return nil, storage.ErrObjectNotFound
}

func (f *fakeObjects) SearchExact(_ context.Context, filter storage.Filter) ([]*models.ManagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ManagedObject
	for _, obj := range f.objects {
		if filter.Match(obj) {
			out = append(out, obj.Clone())
		}
	}
	return out, nil
}

func (f *fakeObjects) DeleteObjects(_ context.Context, oids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for _, oid := range oids {
		delete(f.objects, oid)
	}
	return nil
}

func (f *fakeObjects) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = make(map[string]*models.ManagedObject)
	return nil
}

// fakeRegistry is a map-backed RegistryStorage.
type fakeRegistry struct {
	mu       stdsync.Mutex
	synced   map[string]struct{}
	stones   map[string]*storage.Tombstone
	lastSync map[models.Scope]time.Time
	channels []string
	markErr  error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		synced:   make(map[string]struct{}),
		stones:   make(map[string]*storage.Tombstone),
		lastSync: make(map[models.Scope]time.Time),
	}
}

func (f *fakeRegistry) MarkSynced(_ context.Context, oids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	for _, oid := range oids {
		f.synced[oid] = struct{}{}
	}
	return nil
}

func (f *fakeRegistry) UnmarkSynced(_ context.Context, oids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, oid := range oids {
		delete(f.synced, oid)
	}
	return nil
}

func (f *fakeRegistry) IsSynced(_ context.Context, oid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.synced[oid]
	return ok, nil
}

func (f *fakeRegistry) SyncedOIDs(context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.synced))
	for oid := range f.synced {
		out[oid] = struct{}{}
	}
	return out, nil
}

func (f *fakeRegistry) SaveTombstones(_ context.Context, stones []*storage.Tombstone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stone := range stones {
		copied := *stone
		f.stones[stone.OID] = &copied
	}
	return nil
}

func (f *fakeRegistry) DeleteTombstones(_ context.Context, oids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, oid := range oids {
		delete(f.stones, oid)
	}
	return nil
}

func (f *fakeRegistry) Tombstones(context.Context) ([]*storage.Tombstone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*storage.Tombstone, 0, len(f.stones))
	for _, stone := range f.stones {
		copied := *stone
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRegistry) LastSync(_ context.Context, scope models.Scope) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSync[scope], nil
}

func (f *fakeRegistry) SetLastSync(_ context.Context, scope models.Scope, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSync[scope] = at
	return nil
}

func (f *fakeRegistry) SaveChannels(_ context.Context, channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append([]string(nil), channels...)
	return nil
}

func (f *fakeRegistry) Channels(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.channels...), nil
}

func (f *fakeRegistry) ClearRegistry(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = make(map[string]struct{})
	f.stones = make(map[string]*storage.Tombstone)
	f.lastSync = make(map[models.Scope]time.Time)
	f.channels = nil
	return nil
}

// collectEvents subscribes to the bus and appends every event to the
// returned slice. Tests on a single goroutine can read it directly.
func collectEvents(bus *notify.Bus) *[]models.Event {
	var events []models.Event
	bus.Subscribe(func(e models.Event) {
		events = append(events, e)
	})
	return &events
}

// eventRecorder is the goroutine-safe counterpart of collectEvents for
// tests where the engine loop publishes.
type eventRecorder struct {
	mu     stdsync.Mutex
	events []models.Event
}

func recordEvents(bus *notify.Bus) *eventRecorder {
	r := &eventRecorder{}
	bus.Subscribe(func(e models.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) snapshot() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}
