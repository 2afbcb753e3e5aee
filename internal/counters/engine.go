package counters

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine bundles the registry, the hook orchestrator and the dispatch handler that
// share one database handle and one counter store.
type Engine struct {
	Registry     *Registry
	Orchestrator *Orchestrator
	Dispatcher   *Dispatcher
	Store        Store
}

// EngineConfig describes the dependencies of an Engine.
type EngineConfig struct {
	Database *gorm.DB
	Store    Store
	Catalog  SchemaInspector
	Hooks    HookBackend
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewEngine wires the dispatch handler into the orchestrator and the orchestrator into the registry.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Database: cfg.Database,
		Store:    cfg.Store,
		Logger:   logger.Named("dispatch"),
	})
	if err != nil {
		return nil, err
	}
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Database: cfg.Database,
		Backend:  cfg.Hooks,
		Catalog:  cfg.Catalog,
		Handler:  dispatcher.Handle,
		Clock:    cfg.Clock,
		Logger:   logger.Named("hooks"),
	})
	if err != nil {
		return nil, err
	}
	registry, err := NewRegistry(RegistryConfig{
		Database:     cfg.Database,
		Store:        cfg.Store,
		Catalog:      cfg.Catalog,
		Orchestrator: orchestrator,
		Clock:        cfg.Clock,
		Logger:       logger.Named("registry"),
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		Registry:     registry,
		Orchestrator: orchestrator,
		Dispatcher:   dispatcher,
		Store:        cfg.Store,
	}, nil
}
