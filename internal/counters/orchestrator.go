package counters

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HookState is the lifecycle state of the hook of one definition.
type HookState string

const (
	// HookStateNoHook means no hook has been installed.
	HookStateNoHook HookState = "no_hook"
	// HookStateInstalled means the hook is wired into the write path.
	HookStateInstalled HookState = "installed"
	// HookStateRemoved means the hook was deliberately removed.
	HookStateRemoved HookState = "removed"
	// HookStateDrifted means the definition believed a hook existed but the host had none.
	HookStateDrifted HookState = "drifted"
)

var errMissingHookBackend = errors.New("hook backend is required")

// Orchestrator installs, removes and reconciles write-path hooks for definitions.
// Hook failures never escape: they are logged and recorded as hook_installed=false.
type Orchestrator struct {
	db       *gorm.DB
	backend  HookBackend
	catalog  SchemaInspector
	dispatch HookHandler
	clock    func() time.Time
	logger   *zap.Logger
}

// OrchestratorConfig describes the dependencies of an Orchestrator.
type OrchestratorConfig struct {
	Database *gorm.DB
	Backend  HookBackend
	Catalog  SchemaInspector
	Handler  HookHandler
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingDatabase)
	}
	if cfg.Backend == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingHookBackend)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingCatalog)
	}
	if cfg.Handler == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingHandler)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Orchestrator{
		db:       cfg.Database,
		backend:  cfg.Backend,
		catalog:  cfg.Catalog,
		dispatch: cfg.Handler,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Install wires the definition's hook into its target collection. A missing collection
// leaves the definition in NoHook; the operator re-runs installation once it exists.
func (o *Orchestrator) Install(ctx context.Context, definition Definition) HookState {
	name := hookNameOf(definition)
	exists, err := o.catalog.CollectionExists(ctx, definition.TargetCollection)
	if err != nil || !exists {
		o.logger.Warn("hook installation skipped: target collection missing",
			zap.String("counter_id", definition.CounterID),
			zap.String("collection", definition.TargetCollection),
			zap.Error(err))
		o.record(ctx, definition, name, false)
		return o.transition(HookStateNoHook)
	}

	present, err := o.backend.HookExists(ctx, name, definition.TargetCollection)
	if err == nil && !present {
		err = o.backend.InstallHook(ctx, name, definition.TargetCollection, o.dispatch)
	}
	if err != nil {
		o.logger.Warn("hook installation failed",
			zap.String("counter_id", definition.CounterID),
			zap.String("collection", definition.TargetCollection),
			zap.String("hook_name", name),
			zap.Error(err))
		o.record(ctx, definition, name, false)
		return o.transition(HookStateNoHook)
	}

	o.record(ctx, definition, name, true)
	o.logger.Info("hook installed",
		zap.String("counter_id", definition.CounterID),
		zap.String("collection", definition.TargetCollection),
		zap.String("hook_name", name))
	return o.transition(HookStateInstalled)
}

// Remove unwires the definition's hook. The host hook stays in place while another
// definition on the same collection still relies on it.
func (o *Orchestrator) Remove(ctx context.Context, definition Definition) HookState {
	name := hookNameOf(definition)

	var sharing int64
	err := o.db.WithContext(ctx).
		Model(&Definition{}).
		Where("target_collection = ? AND hook_name = ? AND hook_installed = ?", definition.TargetCollection, name, true).
		Where("NOT (counter_id = ? AND target_collection = ?)", definition.CounterID, definition.TargetCollection).
		Count(&sharing).Error
	if err != nil {
		o.logger.Warn("hook removal skipped: sharing lookup failed",
			zap.String("counter_id", definition.CounterID),
			zap.String("collection", definition.TargetCollection),
			zap.Error(err))
		return o.transition(HookStateRemoved)
	}

	if sharing > 0 {
		return o.transition(HookStateRemoved)
	}
	present, err := o.backend.HookExists(ctx, name, definition.TargetCollection)
	if err == nil && present {
		err = o.backend.RemoveHook(ctx, name, definition.TargetCollection)
	}
	if err != nil {
		o.logger.Warn("hook removal failed",
			zap.String("counter_id", definition.CounterID),
			zap.String("collection", definition.TargetCollection),
			zap.String("hook_name", name),
			zap.Error(err))
	}
	return o.transition(HookStateRemoved)
}

// Reinstall drops any hook of the definition and installs a fresh one.
func (o *Orchestrator) Reinstall(ctx context.Context, definition Definition) HookState {
	o.Remove(ctx, definition)
	return o.Install(ctx, definition)
}

// HookPresent performs a live check of the definition's hook.
func (o *Orchestrator) HookPresent(ctx context.Context, definition Definition) bool {
	present, err := o.backend.HookExists(ctx, hookNameOf(definition), definition.TargetCollection)
	if err != nil {
		o.logger.Warn("hook presence check failed",
			zap.String("counter_id", definition.CounterID),
			zap.String("collection", definition.TargetCollection),
			zap.Error(err))
		return false
	}
	return present
}

// SyncReport lists the definitions whose recorded hook was missing from the host.
type SyncReport struct {
	Checked int
	Drifted []Definition
}

// SyncAll marks active definitions whose recorded hook no longer exists as not installed.
// It never re-creates a hook.
func (o *Orchestrator) SyncAll(ctx context.Context) (SyncReport, error) {
	definitions, err := o.installedDefinitions(ctx)
	if err != nil {
		return SyncReport{}, newServiceError(opSyncAll, reasonQuery, definitionKey{}, err)
	}

	report := SyncReport{Checked: len(definitions)}
	for _, definition := range definitions {
		present, err := o.backend.HookExists(ctx, hookNameOf(definition), definition.TargetCollection)
		if err != nil {
			return report, newServiceError(opSyncAll, reasonQuery, definition.key(), err)
		}
		if present {
			continue
		}
		if err := o.markInstalled(ctx, definition, hookNameOf(definition), false); err != nil {
			return report, newServiceError(opSyncAll, reasonWrite, definition.key(), err)
		}
		o.transition(HookStateDrifted)
		o.logger.Warn("hook drift detected",
			zap.String("counter_id", definition.CounterID),
			zap.String("collection", definition.TargetCollection),
			zap.String("hook_name", hookNameOf(definition)))
		report.Drifted = append(report.Drifted, definition)
	}
	return report, nil
}

// Attach re-installs, at host start, the hooks that definitions record as installed.
// Hooks are runtime wiring of the host process, so they do not survive a restart on their own.
func (o *Orchestrator) Attach(ctx context.Context) error {
	definitions, err := o.installedDefinitions(ctx)
	if err != nil {
		return newServiceError(opAttach, reasonQuery, definitionKey{}, err)
	}
	for _, definition := range definitions {
		o.Install(ctx, definition)
	}
	return nil
}

func (o *Orchestrator) installedDefinitions(ctx context.Context) ([]Definition, error) {
	var definitions []Definition
	err := o.db.WithContext(ctx).
		Where("active = ? AND hook_installed = ?", true, true).
		Order("counter_id ASC, target_collection ASC").
		Find(&definitions).Error
	return definitions, err
}

func (o *Orchestrator) record(ctx context.Context, definition Definition, name string, installed bool) {
	if definition.HookInstalled == installed && definition.HookName == name {
		return
	}
	if err := o.markInstalled(ctx, definition, name, installed); err != nil {
		o.logger.Error("hook state update failed",
			zap.String("operation", opOrchestrator),
			zap.String("counter_id", definition.CounterID),
			zap.String("collection", definition.TargetCollection),
			zap.Error(err))
	}
}

func (o *Orchestrator) markInstalled(ctx context.Context, definition Definition, name string, installed bool) error {
	return o.db.WithContext(ctx).
		Model(&Definition{}).
		Where("counter_id = ? AND target_collection = ?", definition.CounterID, definition.TargetCollection).
		Updates(map[string]interface{}{
			"hook_installed": installed,
			"hook_name":      name,
			"updated_at":     o.clock().UTC(),
		}).Error
}

func (o *Orchestrator) transition(state HookState) HookState {
	hookTransitionsTotal.WithLabelValues(string(state)).Inc()
	return state
}

func hookNameOf(definition Definition) string {
	if definition.HookName != "" {
		return definition.HookName
	}
	return DefaultHookName(definition.TargetCollection)
}
