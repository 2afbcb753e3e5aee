package counters

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("counter store is required")
	errMissingCatalog  = errors.New("schema inspector is required")
	errMissingHandler  = errors.New("hook handler is required")
	errMissingHooks    = errors.New("hook orchestrator is required")
	noOpLogger         = zap.NewNop()
)

const queryDefinitionKey = "counter_id = ? AND target_collection = ?"

// Registry owns counter definitions. Every mutation is atomic on its own; hook wiring
// runs after the mutation commits and never fails it.
type Registry struct {
	db      *gorm.DB
	store   Store
	catalog SchemaInspector
	hooks   *Orchestrator
	clock   func() time.Time
	logger  *zap.Logger
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Database     *gorm.DB
	Store        Store
	Catalog      SchemaInspector
	Orchestrator *Orchestrator
	Clock        func() time.Time
	Logger       *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingStore)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingCatalog)
	}
	if cfg.Orchestrator == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingHooks)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		db:      cfg.Database,
		store:   cfg.Store,
		catalog: cfg.Catalog,
		hooks:   cfg.Orchestrator,
		clock:   clock,
		logger:  logger,
	}, nil
}

// CreateRequest describes a new definition. Active defaults to true.
type CreateRequest struct {
	CounterID        string
	TargetCollection string
	Fields           []string
	Description      string
	HookName         string
	Active           *bool
}

// Create validates and stores a definition, then installs its hook when active.
func (r *Registry) Create(ctx context.Context, request CreateRequest) (Definition, error) {
	collection := strings.TrimSpace(request.TargetCollection)
	key := keyOf(strings.TrimSpace(request.CounterID), collection)

	counterID, err := NewCounterID(request.CounterID)
	if err != nil {
		return Definition{}, r.fail(opCreate, reasonInvalid, key, err)
	}
	if collection == "" {
		return Definition{}, r.fail(opCreate, reasonInvalid, key, fmt.Errorf("%w: target collection is empty", ErrValidation))
	}

	if _, found, err := r.find(ctx, r.db, counterID.String(), collection); err != nil {
		return Definition{}, r.fail(opCreate, reasonQuery, key, err)
	} else if found {
		return Definition{}, r.fail(opCreate, reasonDuplicate, key, ErrAlreadyExists)
	}

	fields, err := normalizeFields(request.Fields)
	if err != nil {
		return Definition{}, r.fail(opCreate, reasonInvalid, key, err)
	}
	if reason, err := r.validateAgainstCatalog(ctx, collection, fields); err != nil {
		return Definition{}, r.fail(opCreate, reason, key, err)
	}

	active := true
	if request.Active != nil {
		active = *request.Active
	}
	if active {
		if err := r.checkCounterFieldClash(ctx, key, collection, fields[len(fields)-1]); err != nil {
			return Definition{}, r.fail(opCreate, reasonInvalid, key, err)
		}
	}

	hookName := strings.TrimSpace(request.HookName)
	if hookName == "" {
		hookName = DefaultHookName(collection)
	}
	now := r.clock().UTC()
	definition := Definition{
		CounterID:        counterID.String(),
		TargetCollection: collection,
		Fields:           fields,
		Description:      request.Description,
		Active:           active,
		HookInstalled:    false,
		HookName:         hookName,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&definition)
	if result.Error != nil {
		return Definition{}, r.fail(opCreate, reasonWrite, key, result.Error)
	}
	if result.RowsAffected == 0 {
		return Definition{}, r.fail(opCreate, reasonDuplicate, key, ErrAlreadyExists)
	}

	if active {
		r.hooks.Install(ctx, definition)
	}
	return r.reload(ctx, opCreate, definition)
}

// UpdateRequest changes an existing definition. Nil members are left unchanged.
// TargetCollection identifies the row and may be empty when the counter id has exactly one definition.
type UpdateRequest struct {
	CounterID           string
	TargetCollection    string
	NewTargetCollection *string
	Fields              []string
	Description         *string
	Active              *bool
}

// Update applies the requested changes. Moving to another collection or reactivating
// replaces the hook; a field list change leaves it alone.
func (r *Registry) Update(ctx context.Context, request UpdateRequest) (Definition, error) {
	existing, err := r.resolve(ctx, opUpdate, request.CounterID, request.TargetCollection)
	if err != nil {
		return Definition{}, err
	}
	key := existing.key()

	updated := existing
	if request.NewTargetCollection != nil {
		updated.TargetCollection = strings.TrimSpace(*request.NewTargetCollection)
		if updated.TargetCollection == "" {
			return Definition{}, r.fail(opUpdate, reasonInvalid, key, fmt.Errorf("%w: target collection is empty", ErrValidation))
		}
	}
	if request.Fields != nil {
		fields, err := normalizeFields(request.Fields)
		if err != nil {
			return Definition{}, r.fail(opUpdate, reasonInvalid, key, err)
		}
		updated.Fields = fields
	}
	if request.Description != nil {
		updated.Description = *request.Description
	}
	if request.Active != nil {
		updated.Active = *request.Active
	}

	collectionChanged := updated.TargetCollection != existing.TargetCollection
	fieldsChanged := !slices.Equal(updated.Fields, existing.Fields)
	activated := updated.Active && !existing.Active
	if !collectionChanged && !fieldsChanged && !activated &&
		updated.Active == existing.Active && updated.Description == existing.Description {
		return existing, nil
	}

	if collectionChanged || fieldsChanged {
		if reason, err := r.validateAgainstCatalog(ctx, updated.TargetCollection, updated.Fields); err != nil {
			return Definition{}, r.fail(opUpdate, reason, key, err)
		}
	}
	if updated.Active && (collectionChanged || fieldsChanged || activated) {
		if err := r.checkCounterFieldClash(ctx, key, updated.TargetCollection, updated.CounterField()); err != nil {
			return Definition{}, r.fail(opUpdate, reasonInvalid, key, err)
		}
	}

	changes := map[string]interface{}{
		"fields":      FieldList(updated.Fields),
		"description": updated.Description,
		"active":      updated.Active,
		"updated_at":  r.clock().UTC(),
	}
	if collectionChanged {
		changes["target_collection"] = updated.TargetCollection
		changes["hook_installed"] = false
		if existing.HookName == DefaultHookName(existing.TargetCollection) || existing.HookName == "" {
			changes["hook_name"] = DefaultHookName(updated.TargetCollection)
		}
	}

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if collectionChanged {
			if _, found, err := r.find(ctx, tx, updated.CounterID, updated.TargetCollection); err != nil {
				return r.fail(opUpdate, reasonQuery, key, err)
			} else if found {
				return r.fail(opUpdate, reasonDuplicate, keyOf(updated.CounterID, updated.TargetCollection), ErrAlreadyExists)
			}
		}
		result := tx.Model(&Definition{}).
			Where(queryDefinitionKey, existing.CounterID, existing.TargetCollection).
			Updates(changes)
		if result.Error != nil {
			return r.fail(opUpdate, reasonWrite, key, result.Error)
		}
		if result.RowsAffected == 0 {
			return r.fail(opUpdate, reasonMissing, key, ErrNotFound)
		}
		return nil
	})
	if txErr != nil {
		return Definition{}, txErr
	}

	current, err := r.reload(ctx, opUpdate, Definition{CounterID: updated.CounterID, TargetCollection: updated.TargetCollection})
	if err != nil {
		return Definition{}, err
	}
	switch {
	case collectionChanged:
		r.hooks.Remove(ctx, existing)
		if current.Active {
			r.hooks.Install(ctx, current)
		}
	case activated:
		r.hooks.Reinstall(ctx, current)
	default:
		return current, nil
	}
	return r.reload(ctx, opUpdate, current)
}

// Delete removes a definition. Values of its counter id block deletion unless cascade
// is requested, in which case they are removed first. A live hook is left for the next
// reconciliation pass.
func (r *Registry) Delete(ctx context.Context, counterID, collection string, cascade bool) error {
	key := keyOf(strings.TrimSpace(counterID), strings.TrimSpace(collection))
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := ContextWithSession(ctx, tx)
		definition, found, err := r.find(ctx, tx, key.counterID, key.collection)
		if err != nil {
			return r.fail(opDelete, reasonQuery, key, err)
		}
		if !found {
			return r.fail(opDelete, reasonMissing, key, ErrNotFound)
		}

		hasValues, err := r.store.Exists(txCtx, CounterID(definition.CounterID))
		if err != nil {
			return r.fail(opDelete, reasonStore, key, err)
		}
		if hasValues && !cascade {
			return r.fail(opDelete, reasonHasValues, key,
				fmt.Errorf("%w: counter %q has issued values; delete with cascade", ErrConflict, definition.CounterID))
		}
		if hasValues {
			removed, err := r.store.Delete(txCtx, CounterID(definition.CounterID))
			if err != nil {
				return r.fail(opDelete, reasonStore, key, err)
			}
			r.logger.Info("counter values removed by cascade",
				zap.String("counter_id", definition.CounterID),
				zap.Int64("removed", removed))
		}

		if err := tx.Where(queryDefinitionKey, definition.CounterID, definition.TargetCollection).
			Delete(&Definition{}).Error; err != nil {
			return r.fail(opDelete, reasonWrite, key, err)
		}
		return nil
	})
}

// Filter narrows Get; empty members match everything.
type Filter struct {
	CounterID        string
	TargetCollection string
}

// Get lists definitions with live collection and hook presence flags.
func (r *Registry) Get(ctx context.Context, filter Filter) ([]DefinitionView, error) {
	query := r.db.WithContext(ctx).Order("counter_id ASC, target_collection ASC")
	if id := strings.TrimSpace(filter.CounterID); id != "" {
		query = query.Where("counter_id = ?", id)
	}
	if collection := strings.TrimSpace(filter.TargetCollection); collection != "" {
		query = query.Where("target_collection = ?", collection)
	}
	var definitions []Definition
	if err := query.Find(&definitions).Error; err != nil {
		return nil, r.fail(opGet, reasonQuery, keyOf(filter.CounterID, filter.TargetCollection), err)
	}

	views := make([]DefinitionView, 0, len(definitions))
	for _, definition := range definitions {
		exists, err := r.catalog.CollectionExists(ctx, definition.TargetCollection)
		if err != nil {
			return nil, r.fail(opGet, reasonCatalog, definition.key(), err)
		}
		views = append(views, DefinitionView{
			Definition:       definition,
			CollectionExists: exists,
			HookPresent:      r.hooks.HookPresent(ctx, definition),
		})
	}
	return views, nil
}

// Toggle sets the active flag. Deactivation keeps the hook; the dispatch handler skips
// inactive definitions. Activation replaces the hook like Update does.
func (r *Registry) Toggle(ctx context.Context, counterID, collection string, active bool) (Definition, error) {
	existing, err := r.resolve(ctx, opToggle, counterID, collection)
	if err != nil {
		return Definition{}, err
	}
	if existing.Active == active {
		return existing, nil
	}
	if active {
		if err := r.checkCounterFieldClash(ctx, existing.key(), existing.TargetCollection, existing.CounterField()); err != nil {
			return Definition{}, r.fail(opToggle, reasonInvalid, existing.key(), err)
		}
	}

	err = r.db.WithContext(ctx).
		Model(&Definition{}).
		Where(queryDefinitionKey, existing.CounterID, existing.TargetCollection).
		Updates(map[string]interface{}{"active": active, "updated_at": r.clock().UTC()}).Error
	if err != nil {
		return Definition{}, r.fail(opToggle, reasonWrite, existing.key(), err)
	}

	current, err := r.reload(ctx, opToggle, existing)
	if err != nil {
		return Definition{}, err
	}
	if active {
		r.hooks.Reinstall(ctx, current)
		return r.reload(ctx, opToggle, current)
	}
	return current, nil
}

// Next issues a value for explicit key values without a write.
func (r *Registry) Next(ctx context.Context, counterID, collection string, keyValues []string) (int64, error) {
	key := keyOf(strings.TrimSpace(counterID), strings.TrimSpace(collection))
	definition, found, err := r.find(ctx, r.db, key.counterID, key.collection)
	if err != nil {
		return 0, r.fail(opNext, reasonQuery, key, err)
	}
	if !found || !definition.Active {
		return 0, r.fail(opNext, reasonInactive, key, ErrInactive)
	}

	keyFields := definition.KeyFields()
	if len(keyValues) != len(keyFields) {
		return 0, r.fail(opNext, reasonInvalid, key,
			fmt.Errorf("%w: expected %d key values, got %d", ErrValidation, len(keyFields), len(keyValues)))
	}
	for index, value := range keyValues {
		if strings.TrimSpace(value) == "" {
			return 0, r.fail(opNext, reasonInvalid, key,
				fmt.Errorf("%w: key field %q is empty", ErrValidation, keyFields[index]))
		}
	}

	value, err := r.store.Next(ctx, CounterID(definition.CounterID), ComposeScopeKey(keyValues))
	if err != nil {
		return 0, r.fail(opNext, reasonStore, key, err)
	}
	valuesIssuedTotal.WithLabelValues(definition.CounterID).Inc()
	return value, nil
}

// ListValues joins current counter values with the collections of their definitions.
func (r *Registry) ListValues(ctx context.Context, counterID string) ([]ValueView, error) {
	key := keyOf(strings.TrimSpace(counterID), "")
	values, err := r.store.List(ctx, CounterID(key.counterID))
	if err != nil {
		return nil, r.fail(opListValues, reasonStore, key, err)
	}

	query := r.db.WithContext(ctx).Order("target_collection ASC")
	if key.counterID != "" {
		query = query.Where("counter_id = ?", key.counterID)
	}
	var definitions []Definition
	if err := query.Find(&definitions).Error; err != nil {
		return nil, r.fail(opListValues, reasonQuery, key, err)
	}
	collections := make(map[string][]string)
	for _, definition := range definitions {
		collections[definition.CounterID] = append(collections[definition.CounterID], definition.TargetCollection)
	}

	views := make([]ValueView, 0, len(values))
	for _, value := range values {
		for _, collection := range collections[value.CounterID] {
			views = append(views, ValueView{
				CounterID:        value.CounterID,
				TargetCollection: collection,
				ScopeKey:         value.ScopeKey,
				Value:            value.Value,
				LastUsedAt:       value.LastUsedAt,
				CreatedAt:        value.CreatedAt,
			})
		}
	}
	return views, nil
}

func (r *Registry) resolve(ctx context.Context, operation, rawCounterID, rawCollection string) (Definition, error) {
	key := keyOf(strings.TrimSpace(rawCounterID), strings.TrimSpace(rawCollection))
	if _, err := NewCounterID(key.counterID); err != nil {
		return Definition{}, r.fail(operation, reasonInvalid, key, err)
	}
	if key.collection != "" {
		definition, found, err := r.find(ctx, r.db, key.counterID, key.collection)
		if err != nil {
			return Definition{}, r.fail(operation, reasonQuery, key, err)
		}
		if !found {
			return Definition{}, r.fail(operation, reasonMissing, key, ErrNotFound)
		}
		return definition, nil
	}

	var candidates []Definition
	if err := r.db.WithContext(ctx).Where("counter_id = ?", key.counterID).Limit(2).Find(&candidates).Error; err != nil {
		return Definition{}, r.fail(operation, reasonQuery, key, err)
	}
	switch len(candidates) {
	case 0:
		return Definition{}, r.fail(operation, reasonMissing, key, ErrNotFound)
	case 1:
		return candidates[0], nil
	default:
		return Definition{}, r.fail(operation, reasonInvalid, key,
			fmt.Errorf("%w: counter %q has several definitions; name the target collection", ErrValidation, key.counterID))
	}
}

func (r *Registry) find(ctx context.Context, db *gorm.DB, counterID, collection string) (Definition, bool, error) {
	var definition Definition
	err := db.WithContext(ctx).Where(queryDefinitionKey, counterID, collection).Take(&definition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Definition{}, false, nil
	}
	if err != nil {
		return Definition{}, false, err
	}
	return definition, true, nil
}

func (r *Registry) reload(ctx context.Context, operation string, definition Definition) (Definition, error) {
	current, found, err := r.find(ctx, r.db, definition.CounterID, definition.TargetCollection)
	if err != nil {
		return Definition{}, r.fail(operation, reasonQuery, definition.key(), err)
	}
	if !found {
		return Definition{}, r.fail(operation, reasonMissing, definition.key(), ErrNotFound)
	}
	return current, nil
}

// validateAgainstCatalog returns the failure reason together with the error.
func (r *Registry) validateAgainstCatalog(ctx context.Context, collection string, fields []string) (string, error) {
	exists, err := r.catalog.CollectionExists(ctx, collection)
	if err != nil {
		return reasonCatalog, err
	}
	if !exists {
		return reasonMissing, fmt.Errorf("%w: collection %q", ErrNotFound, collection)
	}
	for _, field := range fields {
		present, err := r.catalog.ColumnExists(ctx, collection, field)
		if err != nil {
			return reasonCatalog, err
		}
		if !present {
			return reasonInvalid, fmt.Errorf("%w: field %q is not a column of %q", ErrValidation, field, collection)
		}
	}
	counterField := fields[len(fields)-1]
	kind, err := r.catalog.ColumnType(ctx, collection, counterField)
	if err != nil {
		return reasonCatalog, err
	}
	if !kind.IsNumeric() {
		return reasonNotNumeric, fmt.Errorf("%w: field %q of %q", ErrType, counterField, collection)
	}
	return "", nil
}

// checkCounterFieldClash rejects a second active definition writing the same counter field.
func (r *Registry) checkCounterFieldClash(ctx context.Context, self definitionKey, collection, counterField string) error {
	var others []Definition
	err := r.db.WithContext(ctx).
		Where("target_collection = ? AND active = ?", collection, true).
		Where("NOT (counter_id = ? AND target_collection = ?)", self.counterID, self.collection).
		Find(&others).Error
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.CounterField() == counterField {
			return fmt.Errorf("%w: field %q of %q is already filled by counter %q",
				ErrValidation, counterField, collection, other.CounterID)
		}
	}
	return nil
}

func normalizeFields(raw []string) ([]string, error) {
	if len(raw) < minDefinitionFields {
		return nil, fmt.Errorf("%w: at least %d fields are required, got %d", ErrValidation, minDefinitionFields, len(raw))
	}
	fields := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, field := range raw {
		trimmed := strings.TrimSpace(field)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: field names must not be empty", ErrValidation)
		}
		if _, duplicate := seen[trimmed]; duplicate {
			return nil, fmt.Errorf("%w: field %q is listed twice", ErrValidation, trimmed)
		}
		seen[trimmed] = struct{}{}
		fields = append(fields, trimmed)
	}
	return fields, nil
}

func (r *Registry) fail(operation, reason string, key definitionKey, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	wrapped := newServiceError(operation, reason, key, err)
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrType) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInactive) {
		r.logger.Info("counter definition request rejected",
			zap.String("operation", operation),
			zap.String("reason", reason),
			zap.String("counter_id", key.counterID),
			zap.String("collection", key.collection),
			zap.Error(err))
		return wrapped
	}
	r.logger.Error("counters service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("counter_id", key.counterID),
		zap.String("collection", key.collection),
		zap.Error(err))
	return wrapped
}
