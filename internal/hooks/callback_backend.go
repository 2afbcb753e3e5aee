package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/contextseq/internal/counters"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CallbackName is the name of the single GORM create callback that serves every hook.
const CallbackName = "contextseq:dispatch"

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingHandler  = errors.New("hook handler is required")
	errEmptyHookName   = errors.New("hook name is required")
)

type hookKey struct {
	collection string
	name       string
}

// CallbackBackend installs hooks into the create path of a GORM database. One callback
// is registered before gorm:create; it runs the handlers of every hook installed on the
// written table, inside the write's transaction. A failing handler aborts the write.
type CallbackBackend struct {
	logger *zap.Logger

	mu    sync.RWMutex
	hooks map[hookKey]counters.HookHandler
}

// NewCallbackBackend registers the dispatch callback on db.
func NewCallbackBackend(db *gorm.DB, logger *zap.Logger) (*CallbackBackend, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := &CallbackBackend{
		logger: logger,
		hooks:  make(map[hookKey]counters.HookHandler),
	}
	err := db.Callback().Create().
		After("gorm:begin_transaction").
		Before("gorm:create").
		Register(CallbackName, backend.dispatch)
	if err != nil {
		return nil, fmt.Errorf("register create callback: %w", err)
	}
	return backend, nil
}

// InstallHook binds handler to writes on collection. Installing an existing hook replaces its handler.
func (b *CallbackBackend) InstallHook(_ context.Context, name, collection string, handler counters.HookHandler) error {
	if name == "" {
		return errEmptyHookName
	}
	if handler == nil {
		return errMissingHandler
	}
	b.mu.Lock()
	b.hooks[hookKey{collection: collection, name: name}] = handler
	b.mu.Unlock()
	b.logger.Debug("create hook attached", zap.String("hook_name", name), zap.String("collection", collection))
	return nil
}

// RemoveHook detaches the hook. Removing a missing hook is not an error.
func (b *CallbackBackend) RemoveHook(_ context.Context, name, collection string) error {
	b.mu.Lock()
	delete(b.hooks, hookKey{collection: collection, name: name})
	b.mu.Unlock()
	b.logger.Debug("create hook detached", zap.String("hook_name", name), zap.String("collection", collection))
	return nil
}

func (b *CallbackBackend) HookExists(_ context.Context, name, collection string) (bool, error) {
	b.mu.RLock()
	_, ok := b.hooks[hookKey{collection: collection, name: name}]
	b.mu.RUnlock()
	return ok, nil
}

// installedHooks lists the names of the hooks installed on collection in name order.
func (b *CallbackBackend) installedHooks(collection string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0)
	for key := range b.hooks {
		if key.collection == collection {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

func (b *CallbackBackend) handlersFor(collection string) ([]string, []counters.HookHandler) {
	names := b.installedHooks(collection)
	b.mu.RLock()
	defer b.mu.RUnlock()
	fired := make([]string, 0, len(names))
	handlers := make([]counters.HookHandler, 0, len(names))
	for _, name := range names {
		handler, ok := b.hooks[hookKey{collection: collection, name: name}]
		if !ok {
			continue
		}
		fired = append(fired, name)
		handlers = append(handlers, handler)
	}
	return fired, handlers
}

func (b *CallbackBackend) dispatch(db *gorm.DB) {
	if db.Error != nil || db.Statement == nil {
		return
	}
	collection := db.Statement.Table
	if collection == "" && db.Statement.Schema != nil {
		collection = db.Statement.Schema.Table
	}
	names, handlers := b.handlersFor(collection)
	if len(handlers) == 0 {
		return
	}

	records, err := recordsOf(db.Statement)
	if err != nil {
		b.logger.Warn("create hook could not read records",
			zap.String("collection", collection),
			zap.Error(err))
		_ = db.AddError(err)
		return
	}

	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = counters.ContextWithSession(ctx, db.Session(&gorm.Session{NewDB: true, Context: ctx}))
	b.logger.Debug("create hooks firing",
		zap.String("collection", collection),
		zap.Strings("hooks", names),
		zap.Int("records", len(records)))
	for _, record := range records {
		for _, handler := range handlers {
			if err := handler(ctx, collection, record); err != nil {
				_ = db.AddError(err)
				return
			}
		}
	}
}
