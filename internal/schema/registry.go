// Package schema owns dataset definitions: lookup through a bounded cache,
// detached mutable copies, validated saves and post-commit invalidation.
package schema

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"studycore/internal/observability"
	"studycore/pkg/domain"
)

// DatasetRef addresses a definition by numeric id or, when ID is zero, by
// case-insensitive name.
type DatasetRef struct {
	ID   int
	Name string
}

func (r DatasetRef) String() string {
	if r.ID != 0 {
		return fmt.Sprintf("%d", r.ID)
	}
	return r.Name
}

// Registry is the dataset schema registry.
type Registry struct {
	store    domain.PersistentStore
	cache    *definitionCache
	bus      InvalidationBus
	log      *zap.SugaredLogger
	recorder observability.Recorder
	origin   string
}

// Option customises a Registry.
type Option func(*registryConfig)

type registryConfig struct {
	cacheSize int
	bus       InvalidationBus
	log       *zap.SugaredLogger
	recorder  observability.Recorder
}

// WithCacheSize bounds the definition cache.
func WithCacheSize(n int) Option { return func(c *registryConfig) { c.cacheSize = n } }

// WithBus publishes invalidations to other replicas.
func WithBus(bus InvalidationBus) Option { return func(c *registryConfig) { c.bus = bus } }

// WithLogger sets the registry logger.
func WithLogger(log *zap.SugaredLogger) Option { return func(c *registryConfig) { c.log = log } }

// WithRecorder records save and lookup metrics.
func WithRecorder(rec observability.Recorder) Option {
	return func(c *registryConfig) { c.recorder = rec }
}

// NewRegistry builds a registry over store.
func NewRegistry(store domain.PersistentStore, opts ...Option) (*Registry, error) {
	cfg := registryConfig{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache, err := newDefinitionCache(cfg.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("definition cache: %w", err)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop().Sugar()
	}
	if cfg.recorder == nil {
		cfg.recorder = observability.NoopRecorder{}
	}
	return &Registry{
		store:    store,
		cache:    cache,
		bus:      cfg.bus,
		log:      cfg.log,
		recorder: cfg.recorder,
		origin:   uuid.NewString(),
	}, nil
}

// GetDefinition resolves ref within a study, serving id lookups from cache.
func (r *Registry) GetDefinition(ctx context.Context, studyID string, ref DatasetRef) (domain.DatasetDefinition, error) {
	if ref.ID != 0 {
		if def, ok := r.cache.get(studyID, ref.ID); ok {
			return def, nil
		}
	}
	var def domain.DatasetDefinition
	var found bool
	err := r.store.View(ctx, func(v domain.TransactionView) error {
		if ref.ID != 0 {
			def, found = v.FindDataset(studyID, ref.ID)
		} else {
			def, found = v.FindDatasetByName(studyID, ref.Name)
		}
		return nil
	})
	if err != nil {
		return domain.DatasetDefinition{}, domain.WrapUnexpected("get definition", err)
	}
	if !found {
		return domain.DatasetDefinition{}, fmt.Errorf("%w: dataset %s in study %s", domain.ErrDefinitionNotFound, ref, studyID)
	}
	r.cache.put(def)
	return def, nil
}

// ListDefinitions returns the study's definitions ordered by dataset id.
func (r *Registry) ListDefinitions(ctx context.Context, studyID string) ([]domain.DatasetDefinition, error) {
	var defs []domain.DatasetDefinition
	err := r.store.View(ctx, func(v domain.TransactionView) error {
		defs = v.ListDatasets(studyID)
		return nil
	})
	return defs, domain.WrapUnexpected("list definitions", err)
}

// CreateMutableCopy returns a detached copy; changes have no effect until saved.
func (r *Registry) CreateMutableCopy(def domain.DatasetDefinition) domain.DatasetDefinition {
	return def.Clone()
}

// Create registers a new definition.
func (r *Registry) Create(ctx context.Context, def domain.DatasetDefinition) (domain.DatasetDefinition, error) {
	timer := observability.Start(r.recorder, "schema.create")
	var created domain.DatasetDefinition
	_, err := r.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		if _, ok := view.FindStudy(def.StudyID); !ok {
			return fmt.Errorf("%w: %s", domain.ErrStudyNotFound, def.StudyID)
		}
		if err := validateDefinition(view, def, nil); err != nil {
			return err
		}
		var err error
		created, err = tx.CreateDataset(def)
		return err
	})
	timer.Done(ctx, err)
	if err != nil {
		return domain.DatasetDefinition{}, domain.WrapUnexpected("create definition", err)
	}
	r.log.Infow("dataset definition created", "study", created.StudyID, "dataset", created.DatasetID, "name", created.Name)
	r.Invalidate(ctx, created)
	return created, nil
}

// Save validates and stores def. Saving an unchanged definition is a no-op:
// the stored timestamps stay and no invalidation is issued.
func (r *Registry) Save(ctx context.Context, def domain.DatasetDefinition) (domain.DatasetDefinition, error) {
	timer := observability.Start(r.recorder, "schema.save")
	var saved domain.DatasetDefinition
	changed := false
	_, err := r.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.FindDataset(def.StudyID, def.DatasetID)
		if !ok {
			return fmt.Errorf("%w: dataset %d in study %s", domain.ErrDefinitionNotFound, def.DatasetID, def.StudyID)
		}
		if sameShape(current, def) {
			saved = current
			return nil
		}
		if err := validateDefinition(tx.Snapshot(), def, &current); err != nil {
			return err
		}
		var err error
		saved, err = tx.UpdateDataset(def.StudyID, def.DatasetID, func(d *domain.DatasetDefinition) error {
			base := d.Base
			*d = def.Clone()
			d.Base = base
			return nil
		})
		changed = err == nil
		return err
	})
	timer.Done(ctx, err)
	if err != nil {
		return domain.DatasetDefinition{}, domain.WrapUnexpected("save definition", err)
	}
	if changed {
		r.log.Infow("dataset definition saved", "study", saved.StudyID, "dataset", saved.DatasetID)
		r.Invalidate(ctx, saved)
	}
	return saved, nil
}

// IsDataUniquePerParticipant reports whether every participant has at most
// one stored row in the dataset.
func (r *Registry) IsDataUniquePerParticipant(ctx context.Context, def domain.DatasetDefinition) (bool, error) {
	var unique bool
	err := r.store.View(ctx, func(v domain.TransactionView) error {
		unique = uniquePerParticipant(v.ListRows(def.StudyID, def.DatasetID))
		return nil
	})
	return unique, domain.WrapUnexpected("check participant uniqueness", err)
}

// Invalidate drops the cached definition and announces it on the bus. Call
// only after the mutating transaction committed.
func (r *Registry) Invalidate(ctx context.Context, def domain.DatasetDefinition) {
	r.cache.remove(def.StudyID, def.DatasetID)
	r.publish(ctx, Invalidation{Origin: r.origin, StudyID: def.StudyID, DatasetID: def.DatasetID})
}

// InvalidateStudy drops every cached definition of a study.
func (r *Registry) InvalidateStudy(ctx context.Context, studyID string) {
	r.cache.purgeStudy(studyID)
	r.publish(ctx, Invalidation{Origin: r.origin, StudyID: studyID})
}

func (r *Registry) publish(ctx context.Context, msg Invalidation) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, msg); err != nil {
		r.log.Warnw("publish invalidation failed", "study", msg.StudyID, "dataset", msg.DatasetID, "error", err)
	}
}

// Listen applies invalidations published by other replicas until ctx ends.
func (r *Registry) Listen(ctx context.Context) error {
	if r.bus == nil {
		return errors.New("no invalidation bus configured")
	}
	return r.bus.StartForwarder(ctx, r.apply)
}

func (r *Registry) apply(msg Invalidation) {
	if msg.Origin == r.origin {
		return
	}
	if msg.DatasetID == 0 {
		r.cache.purgeStudy(msg.StudyID)
		return
	}
	r.cache.remove(msg.StudyID, msg.DatasetID)
}

func sameShape(a, b domain.DatasetDefinition) bool {
	return a.Name == b.Name &&
		a.Label == b.Label &&
		a.KeyPropertyName == b.KeyPropertyName &&
		normalizeKeyManagement(a.KeyManagement) == normalizeKeyManagement(b.KeyManagement) &&
		a.Demographic == b.Demographic &&
		a.VisitDatePropertyName == b.VisitDatePropertyName &&
		slices.Equal(a.Columns, b.Columns)
}

func normalizeKeyManagement(k domain.KeyManagement) domain.KeyManagement {
	if k == "" {
		return domain.KeyManagementNone
	}
	return k
}

func uniquePerParticipant(rows []domain.Row) bool {
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, dup := seen[row.ParticipantID]; dup {
			return false
		}
		seen[row.ParticipantID] = struct{}{}
	}
	return true
}

var validColumnTypes = map[domain.ColumnType]bool{
	domain.ColumnString: true,
	domain.ColumnInt:    true,
	domain.ColumnFloat:  true,
	domain.ColumnBool:   true,
	domain.ColumnDate:   true,
}

// validateDefinition collects every problem with def. current is the stored
// version for saves and nil for creates.
func validateDefinition(view domain.TransactionView, def domain.DatasetDefinition, current *domain.DatasetDefinition) error {
	var verr domain.ValidationError
	name := strings.TrimSpace(def.Name)
	if name == "" {
		verr.Appendf("Dataset name is required.")
	} else if other, ok := view.FindDatasetByName(def.StudyID, name); ok && (current == nil || other.DatasetID != def.DatasetID) {
		verr.Appendf("Dataset name already exists: %s", name)
	}
	if current == nil {
		if def.DatasetID <= 0 {
			verr.Appendf("Dataset id must be a positive integer.")
		} else if _, exists := view.FindDataset(def.StudyID, def.DatasetID); exists {
			verr.Appendf("Dataset id %d already exists.", def.DatasetID)
		}
	}

	seen := make(map[string]bool, len(def.Columns))
	for _, col := range def.Columns {
		if strings.TrimSpace(col.Name) == "" {
			verr.Appendf("Column name is required.")
			continue
		}
		lower := strings.ToLower(col.Name)
		if seen[lower] {
			verr.Appendf("Duplicate column name '%s'.", col.Name)
		}
		seen[lower] = true
		if !validColumnTypes[col.Type] {
			verr.Appendf("Column '%s' has unknown type '%s'.", col.Name, col.Type)
		}
	}

	if def.KeyPropertyName != "" {
		col, ok := def.Column(def.KeyPropertyName)
		switch {
		case !ok:
			verr.Appendf("Key property '%s' does not match any column.", def.KeyPropertyName)
		case def.KeyManagement == domain.KeyManagementRowID && col.Type != domain.ColumnInt:
			verr.Appendf("Managed key '%s' must be an integer column.", def.KeyPropertyName)
		}
		if def.Demographic {
			verr.Appendf("Demographic datasets cannot have an additional key property.")
		}
	} else if def.KeyManagement == domain.KeyManagementRowID {
		verr.Appendf("Managed keys require a key property.")
	}
	if def.VisitDatePropertyName != "" {
		if _, ok := def.Column(def.VisitDatePropertyName); !ok {
			verr.Appendf("Visit date property '%s' does not match any column.", def.VisitDatePropertyName)
		}
	}

	if current != nil && def.Demographic && !current.Demographic &&
		!uniquePerParticipant(view.ListRows(def.StudyID, def.DatasetID)) {
		verr.Appendf("This dataset currently contains more than one row of data per participant. Demographic data includes one row of data per participant.")
	}
	return verr.Err()
}
