package counters

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "counters.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Definition{}, &Value{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Unix(1760000000, 0).UTC()
	}
}

type stubCatalog struct {
	columns map[string]map[string]TypeKind
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{columns: map[string]map[string]TypeKind{
		"invoices": {"year": TypeKindInteger, "dept": TypeKindOther, "num": TypeKindInteger, "batch": TypeKindInteger, "memo": TypeKindOther},
		"receipts": {"year": TypeKindInteger, "dept": TypeKindOther, "num": TypeKindInteger, "seq": TypeKindNumeric},
	}}
}

func (c *stubCatalog) CollectionExists(_ context.Context, collection string) (bool, error) {
	_, ok := c.columns[collection]
	return ok, nil
}

func (c *stubCatalog) ColumnExists(_ context.Context, collection, field string) (bool, error) {
	_, ok := c.columns[collection][field]
	return ok, nil
}

func (c *stubCatalog) ColumnType(_ context.Context, collection, field string) (TypeKind, error) {
	return c.columns[collection][field], nil
}

type stubHookKey struct {
	name       string
	collection string
}

type stubHooks struct {
	mu         sync.Mutex
	hooks      map[stubHookKey]HookHandler
	installs   int
	removals   int
	installErr error
	removeErr  error
}

func newStubHooks() *stubHooks {
	return &stubHooks{hooks: make(map[stubHookKey]HookHandler)}
}

func (h *stubHooks) InstallHook(_ context.Context, name, collection string, handler HookHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installs++
	if h.installErr != nil {
		return h.installErr
	}
	h.hooks[stubHookKey{name: name, collection: collection}] = handler
	return nil
}

func (h *stubHooks) RemoveHook(_ context.Context, name, collection string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removals++
	if h.removeErr != nil {
		return h.removeErr
	}
	delete(h.hooks, stubHookKey{name: name, collection: collection})
	return nil
}

// failWith makes later installs and removals return the given errors.
func (h *stubHooks) failWith(installErr, removeErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installErr = installErr
	h.removeErr = removeErr
}

func (h *stubHooks) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installs, h.removals
}

func (h *stubHooks) HookExists(_ context.Context, name, collection string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.hooks[stubHookKey{name: name, collection: collection}]
	return ok, nil
}

// fire simulates a write to collection through every installed hook.
func (h *stubHooks) fire(ctx context.Context, collection string, record Record) error {
	h.mu.Lock()
	handlers := make([]HookHandler, 0)
	for key, handler := range h.hooks {
		if key.collection == collection {
			handlers = append(handlers, handler)
		}
	}
	h.mu.Unlock()
	for _, handler := range handlers {
		if err := handler(ctx, collection, record); err != nil {
			return err
		}
	}
	return nil
}

type fakeRecord map[string]any

func (r fakeRecord) Field(name string) (any, bool) {
	value, ok := r[name]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

func (r fakeRecord) SetField(name string, value int64) error {
	r[name] = value
	return nil
}

// nonNullableRecord behaves like a struct whose numeric fields cannot hold null.
type nonNullableRecord map[string]any

func (r nonNullableRecord) Field(name string) (any, bool) {
	return fakeRecord(r).Field(name)
}

func (r nonNullableRecord) SetField(name string, value int64) error {
	r[name] = value
	return nil
}

func (r nonNullableRecord) NonNullable(string) bool {
	return true
}

type engineFixture struct {
	db      *gorm.DB
	engine  *Engine
	catalog *stubCatalog
	hooks   *stubHooks
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	return newEngineFixtureWithLogger(t, nil)
}

func newEngineFixtureWithLogger(t *testing.T, logger *zap.Logger) engineFixture {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewSQLStore(db, fixedClock())
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	catalog := newStubCatalog()
	hooks := newStubHooks()
	engine, err := NewEngine(EngineConfig{
		Database: db,
		Store:    store,
		Catalog:  catalog,
		Hooks:    hooks,
		Clock:    fixedClock(),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engineFixture{db: db, engine: engine, catalog: catalog, hooks: hooks}
}

func mustCreate(t *testing.T, registry *Registry, request CreateRequest) Definition {
	t.Helper()
	definition, err := registry.Create(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return definition
}

func boolPointer(value bool) *bool {
	return &value
}

func stringPointer(value string) *string {
	return &value
}
