// Package data is the authoring layer: local create/modify/delete of
// managed objects with monotonic revision stamping, plus cache queries
// for the CLI. Mutations land in the Object Store first and are handed
// to the sync engine for propagation; the engine drops the hand-off
// while disconnected and the next round picks the work up from the
// revision stamps instead.
package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
)

var (
	// ErrFrozen rejects Modify and Delete on objects the repository has
	// frozen. Thawing is a server decision, not a local one.
	ErrFrozen = errors.New("object is frozen")

	// ErrDuplicateID rejects a second object with the same class and
	// business identifier.
	ErrDuplicateID = errors.New("an object with this id already exists")
)

//go:generate moq -out pushsink_mock.go . PushSink

// PushSink is the slice of the sync engine the authoring layer hands
// mutations to. Both methods are fire-and-forget.
type PushSink interface {
	QueuePush(objs []*models.ManagedObject)
	QueueDelete(stones []*storage.Tombstone)
}

// Config carries the authoring settings fixed at login.
type Config struct {
	// ActorID is the authenticated user id stamped into creator and
	// modifier metadata.
	ActorID string
	// SandboxOID is the pseudo-project whose objects stay local.
	SandboxOID string
}

// Service owns local authoring of managed objects.
type Service struct {
	objects  storage.ObjectStorage
	registry storage.RegistryStorage
	catalog  *models.Catalog
	bus      *notify.Bus
	sink     PushSink
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService builds the authoring layer. sink may be nil for tooling
// that works on the cache without a sync engine.
func NewService(
	objects storage.ObjectStorage,
	registry storage.RegistryStorage,
	catalog *models.Catalog,
	bus *notify.Bus,
	sink PushSink,
	logger *slog.Logger,
	cfg Config,
) *Service {
	return &Service{
		objects:  objects,
		registry: registry,
		catalog:  catalog,
		bus:      bus,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Create stores a new object. An empty OID gets a generated one; the
// creator, modifier and revision stamp are always assigned here. The
// class plus business identifier must be unique in the cache.
func (s *Service) Create(ctx context.Context, obj *models.ManagedObject) error {
	if obj.CName == "" {
		return errors.New("cname is required")
	}
	if err := s.checkID(ctx, obj); err != nil {
		return err
	}
	if obj.OID == "" {
		obj.OID = uuid.New().String()
	}
	obj.CreatorID = s.cfg.ActorID
	obj.ModifierID = s.cfg.ActorID
	obj.ModTime = models.NextStamp(s.now(), time.Time{})
	obj.Frozen = false

	if err := s.objects.SaveObjects(ctx, []*models.ManagedObject{obj}); err != nil {
		return fmt.Errorf("failed to save object: %w", err)
	}
	s.logger.Debug("object created", "oid", obj.OID, "cname", obj.CName)
	s.propagate(obj)
	return nil
}

// Modify persists an edit of a cached object. The caller edits a copy
// obtained from Get; the class is immutable, the creator is preserved,
// and the revision stamp advances strictly past the cached one.
func (s *Service) Modify(ctx context.Context, obj *models.ManagedObject) error {
	cached, err := s.objects.GetObject(ctx, obj.OID)
	if err != nil {
		return fmt.Errorf("failed to load object %s: %w", obj.OID, err)
	}
	if cached.Frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, obj.OID)
	}
	if obj.CName != "" && obj.CName != cached.CName {
		return fmt.Errorf("object %s is a %s, class cannot change", obj.OID, cached.CName)
	}
	obj.CName = cached.CName
	if obj.ID != cached.ID {
		if err := s.checkID(ctx, obj); err != nil {
			return err
		}
	}
	obj.CreatorID = cached.CreatorID
	obj.Frozen = false
	obj.ModTime = models.NextStamp(s.now(), cached.ModTime)
	obj.ModifierID = s.cfg.ActorID

	if err := s.objects.SaveObjects(ctx, []*models.ManagedObject{obj}); err != nil {
		return fmt.Errorf("failed to save object: %w", err)
	}
	s.logger.Debug("object modified", "oid", obj.OID, "cname", obj.CName)
	s.propagate(obj)
	return nil
}

// Delete removes a cached object. Outside the sandbox the deletion
// leaves a local-origin tombstone stamped past the object's revision,
// so the repository can classify it against its own copy.
func (s *Service) Delete(ctx context.Context, oid string) error {
	cached, err := s.objects.GetObject(ctx, oid)
	if err != nil {
		return fmt.Errorf("failed to load object %s: %w", oid, err)
	}
	if cached.Frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, oid)
	}
	if err := s.objects.DeleteObjects(ctx, []string{oid}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	s.logger.Debug("object deleted", "oid", oid, "cname", cached.CName)

	category := s.catalog.Category(cached.CName)
	if s.isSandbox(cached.ProjectOID) {
		// Sandbox rows were never pushed, so there is nothing to
		// propagate.
		s.bus.Publish(models.CategoryChanged{Category: category})
		return nil
	}

	stone := &storage.Tombstone{
		OID:        oid,
		CName:      cached.CName,
		ProjectOID: cached.ProjectOID,
		ModTime:    models.NextStamp(s.now(), cached.ModTime),
		Origin:     models.OriginLocal,
	}
	if err := s.registry.SaveTombstones(ctx, []*storage.Tombstone{stone}); err != nil {
		return fmt.Errorf("failed to record deletion: %w", err)
	}
	if s.sink != nil {
		s.sink.QueueDelete([]*storage.Tombstone{stone})
	}
	s.bus.Publish(models.CategoryChanged{Category: category})
	return nil
}

// Get retrieves a cached object by oid.
func (s *Service) Get(ctx context.Context, oid string) (*models.ManagedObject, error) {
	obj, err := s.objects.GetObject(ctx, oid)
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return obj, nil
}

// GetByID retrieves a cached object by class and business identifier.
func (s *Service) GetByID(ctx context.Context, cname, id string) (*models.ManagedObject, error) {
	obj, err := s.objects.FindByID(ctx, cname, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s %q: %w", cname, id, err)
	}
	return obj, nil
}

// List returns cached objects of one class, or the whole cache when
// cname is empty, ordered by class then identifier.
func (s *Service) List(ctx context.Context, cname string) ([]*models.ManagedObject, error) {
	var objs []*models.ManagedObject
	var err error
	if cname == "" {
		objs, err = s.objects.GetAllObjects(ctx)
	} else {
		objs, err = s.objects.GetByClass(ctx, cname)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	sortObjects(objs)
	return objs, nil
}

// Search returns cached objects matching every set field of the
// filter, ordered by class then identifier.
func (s *Service) Search(ctx context.Context, filter storage.Filter) ([]*models.ManagedObject, error) {
	objs, err := s.objects.SearchExact(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	sortObjects(objs)
	return objs, nil
}

// ImportReport counts what one import changed.
type ImportReport struct {
	Created int
	Updated int
	Skipped int
}

// Import feeds externally authored objects through the authoring path:
// unknown oids are created, cached ones modified, each with a fresh
// revision stamp. Frozen targets and identifier collisions are skipped
// and counted; storage failures abort.
func (s *Service) Import(ctx context.Context, objs []*models.ManagedObject) (*ImportReport, error) {
	report := &ImportReport{}
	for _, obj := range objs {
		in := obj.Clone()

		exists := false
		if in.OID != "" {
			_, err := s.objects.GetObject(ctx, in.OID)
			switch {
			case err == nil:
				exists = true
			case errors.Is(err, storage.ErrObjectNotFound):
			default:
				return report, fmt.Errorf("failed to check object %s: %w", in.OID, err)
			}
		}

		var err error
		if exists {
			err = s.Modify(ctx, in)
		} else {
			err = s.Create(ctx, in)
		}
		switch {
		case errors.Is(err, ErrFrozen) || errors.Is(err, ErrDuplicateID):
			s.logger.Warn("import skipped object", "oid", in.OID, "error", err)
			report.Skipped++
		case err != nil:
			return report, err
		case exists:
			report.Updated++
		default:
			report.Created++
		}
	}
	return report, nil
}

// checkID enforces (class, id) uniqueness for objects carrying a
// business identifier.
func (s *Service) checkID(ctx context.Context, obj *models.ManagedObject) error {
	if obj.ID == "" {
		return nil
	}
	existing, err := s.objects.FindByID(ctx, obj.CName, obj.ID)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to check id uniqueness: %w", err)
	case existing.OID != obj.OID:
		return fmt.Errorf("%w: %s %q", ErrDuplicateID, obj.CName, obj.ID)
	}
	return nil
}

// propagate hands a saved object to the engine and announces the local
// change. Sandbox objects stay local.
func (s *Service) propagate(obj *models.ManagedObject) {
	if s.sink != nil && !s.isSandbox(obj.ProjectOID) {
		s.sink.QueuePush([]*models.ManagedObject{obj.Clone()})
	}
	s.bus.Publish(models.CategoryChanged{Category: s.catalog.Category(obj.CName)})
}

func (s *Service) isSandbox(projectOID string) bool {
	return s.cfg.SandboxOID != "" && projectOID == s.cfg.SandboxOID
}

func sortObjects(objs []*models.ManagedObject) {
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].CName != objs[j].CName {
			return objs[i].CName < objs[j].CName
		}
		return objs[i].ID < objs[j].ID
	})
}
