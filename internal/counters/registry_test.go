package counters

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegistryCreateValidatesRequests(t *testing.T) {
	fixture := newEngineFixture(t)
	mustCreate(t, fixture.engine.Registry, CreateRequest{
		CounterID:        "invoice_no",
		TargetCollection: "invoices",
		Fields:           []string{"year", "dept", "num"},
	})

	testCases := []struct {
		name     string
		request  CreateRequest
		expected error
	}{
		{name: "empty counter id", request: CreateRequest{CounterID: " ", TargetCollection: "invoices", Fields: []string{"year", "num"}}, expected: ErrValidation},
		{name: "overlong counter id", request: CreateRequest{CounterID: strings.Repeat("x", 191), TargetCollection: "invoices", Fields: []string{"year", "num"}}, expected: ErrValidation},
		{name: "empty collection", request: CreateRequest{CounterID: "c1", Fields: []string{"year", "num"}}, expected: ErrValidation},
		{name: "single field", request: CreateRequest{CounterID: "c1", TargetCollection: "invoices", Fields: []string{"num"}}, expected: ErrValidation},
		{name: "no fields", request: CreateRequest{CounterID: "c1", TargetCollection: "invoices"}, expected: ErrValidation},
		{name: "blank field", request: CreateRequest{CounterID: "c1", TargetCollection: "invoices", Fields: []string{"year", " "}}, expected: ErrValidation},
		{name: "repeated field", request: CreateRequest{CounterID: "c1", TargetCollection: "invoices", Fields: []string{"year", "year"}}, expected: ErrValidation},
		{name: "unknown collection", request: CreateRequest{CounterID: "c1", TargetCollection: "orders", Fields: []string{"year", "num"}}, expected: ErrNotFound},
		{name: "unknown field", request: CreateRequest{CounterID: "c1", TargetCollection: "invoices", Fields: []string{"region", "num"}}, expected: ErrValidation},
		{name: "non numeric counter", request: CreateRequest{CounterID: "c1", TargetCollection: "invoices", Fields: []string{"year", "memo"}}, expected: ErrType},
		{name: "duplicate", request: CreateRequest{CounterID: "invoice_no", TargetCollection: "invoices", Fields: []string{"year", "batch"}}, expected: ErrAlreadyExists},
		{name: "same counter field", request: CreateRequest{CounterID: "c1", TargetCollection: "invoices", Fields: []string{"dept", "num"}}, expected: ErrValidation},
	}
	for _, testCase := range testCases {
		_, err := fixture.engine.Registry.Create(context.Background(), testCase.request)
		if !errors.Is(err, testCase.expected) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
		var serviceErr *ServiceError
		if !errors.As(err, &serviceErr) || !strings.HasPrefix(serviceErr.Code(), opCreate+".") {
			t.Fatalf("%s: expected a create service error, got %v", testCase.name, err)
		}
	}
}

func TestRegistryCreateInstallsHookForActiveDefinitions(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	active := mustCreate(t, fixture.engine.Registry, CreateRequest{
		CounterID:        " invoice_no ",
		TargetCollection: "invoices",
		Fields:           []string{" year ", "dept", "num"},
		Description:      "invoice numbers per year and department",
	})
	if active.CounterID != "invoice_no" || len(active.Fields) != 3 || active.Fields[0] != "year" {
		t.Fatalf("expected trimmed identifiers, got %#v", active)
	}
	if !active.Active || !active.HookInstalled || active.HookName != "contextseq_invoices" {
		t.Fatalf("expected installed default hook, got %#v", active)
	}
	if active.CreatedAt.IsZero() || !active.UpdatedAt.Equal(active.CreatedAt) {
		t.Fatalf("expected timestamps to be set, got %#v", active)
	}
	present, _ := fixture.hooks.HookExists(ctx, "contextseq_invoices", "invoices")
	if !present {
		t.Fatalf("expected hook to be installed")
	}

	inactive := mustCreate(t, fixture.engine.Registry, CreateRequest{
		CounterID:        "receipt_no",
		TargetCollection: "receipts",
		Fields:           []string{"year", "num"},
		HookName:         "receipts_numbering",
		Active:           boolPointer(false),
	})
	if inactive.Active || inactive.HookInstalled || inactive.HookName != "receipts_numbering" {
		t.Fatalf("expected inactive definition without hook, got %#v", inactive)
	}
	present, _ = fixture.hooks.HookExists(ctx, "receipts_numbering", "receipts")
	if present {
		t.Fatalf("expected no hook for inactive definition")
	}
}

func TestRegistryUpdateMovesDefinitionAndHook(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	mustCreate(t, fixture.engine.Registry, CreateRequest{
		CounterID:        "invoice_no",
		TargetCollection: "invoices",
		Fields:           []string{"year", "num"},
	})

	moved, err := fixture.engine.Registry.Update(ctx, UpdateRequest{
		CounterID:           "invoice_no",
		NewTargetCollection: stringPointer("receipts"),
		Fields:              []string{"year", "seq"},
		Description:         stringPointer("moved"),
	})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if moved.TargetCollection != "receipts" || moved.CounterField() != "seq" || moved.Description != "moved" {
		t.Fatalf("unexpected moved definition %#v", moved)
	}
	if !moved.HookInstalled || moved.HookName != "contextseq_receipts" {
		t.Fatalf("expected hook on the new collection, got %#v", moved)
	}
	if present, _ := fixture.hooks.HookExists(ctx, "contextseq_invoices", "invoices"); present {
		t.Fatalf("expected old hook to be removed")
	}
	if present, _ := fixture.hooks.HookExists(ctx, "contextseq_receipts", "receipts"); !present {
		t.Fatalf("expected new hook to be installed")
	}
	views, err := fixture.engine.Registry.Get(ctx, Filter{CounterID: "invoice_no"})
	if err != nil || len(views) != 1 || views[0].Definition.TargetCollection != "receipts" {
		t.Fatalf("expected exactly the moved definition, got %#v (%v)", views, err)
	}
}

func TestRegistryUpdateKeepsSharedHookOnOldCollection(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "by_year", TargetCollection: "invoices", Fields: []string{"year", "num"}})
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "by_dept", TargetCollection: "invoices", Fields: []string{"dept", "batch"}})

	if _, err := fixture.engine.Registry.Update(ctx, UpdateRequest{
		CounterID:           "by_year",
		TargetCollection:    "invoices",
		NewTargetCollection: stringPointer("receipts"),
		Fields:              []string{"year", "num"},
	}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if present, _ := fixture.hooks.HookExists(ctx, "contextseq_invoices", "invoices"); !present {
		t.Fatalf("expected the hook shared with by_dept to stay installed")
	}
}

func TestRegistryUpdateAddressing(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "doc_no", TargetCollection: "invoices", Fields: []string{"year", "num"}})
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "doc_no", TargetCollection: "receipts", Fields: []string{"year", "seq"}})

	_, err := fixture.engine.Registry.Update(ctx, UpdateRequest{CounterID: "doc_no", Description: stringPointer("ambiguous")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ambiguous update to fail validation, got %v", err)
	}
	_, err = fixture.engine.Registry.Update(ctx, UpdateRequest{
		CounterID:           "doc_no",
		TargetCollection:    "invoices",
		NewTargetCollection: stringPointer("receipts"),
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected move onto an existing pair to fail, got %v", err)
	}
	_, err = fixture.engine.Registry.Update(ctx, UpdateRequest{CounterID: "missing", Description: stringPointer("x")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected missing definition, got %v", err)
	}
	_, err = fixture.engine.Registry.Update(ctx, UpdateRequest{CounterID: "doc_no", TargetCollection: "invoices", Fields: []string{"year", "memo"}})
	if !errors.Is(err, ErrType) {
		t.Fatalf("expected non-numeric counter field to be rejected, got %v", err)
	}

	updated, err := fixture.engine.Registry.Update(ctx, UpdateRequest{CounterID: "doc_no", TargetCollection: "invoices", Description: stringPointer("yearly")})
	if err != nil || updated.Description != "yearly" {
		t.Fatalf("expected description update, got %#v (%v)", updated, err)
	}
	installs := fixture.hooks.installs
	unchanged, err := fixture.engine.Registry.Update(ctx, UpdateRequest{CounterID: "doc_no", TargetCollection: "invoices", Description: stringPointer("yearly")})
	if err != nil || !unchanged.UpdatedAt.Equal(updated.UpdatedAt) || fixture.hooks.installs != installs {
		t.Fatalf("expected a no-op update to leave the definition alone, got %#v (%v)", unchanged, err)
	}
}

func TestRegistryDeleteRequiresCascadeWhenValuesExist(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "invoice_no", TargetCollection: "invoices", Fields: []string{"year", "num"}})
	if _, err := fixture.engine.Registry.Next(ctx, "invoice_no", "invoices", []string{"2024"}); err != nil {
		t.Fatalf("unexpected next error: %v", err)
	}

	err := fixture.engine.Registry.Delete(ctx, "invoice_no", "invoices", false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict without cascade, got %v", err)
	}
	if views, _ := fixture.engine.Registry.Get(ctx, Filter{CounterID: "invoice_no"}); len(views) != 1 {
		t.Fatalf("expected definition to survive a rejected delete")
	}

	if err := fixture.engine.Registry.Delete(ctx, "invoice_no", "invoices", true); err != nil {
		t.Fatalf("unexpected cascade delete error: %v", err)
	}
	if exists, _ := fixture.engine.Store.Exists(ctx, "invoice_no"); exists {
		t.Fatalf("expected cascade to remove values")
	}
	if views, _ := fixture.engine.Registry.Get(ctx, Filter{CounterID: "invoice_no"}); len(views) != 0 {
		t.Fatalf("expected definition to be deleted, got %#v", views)
	}
	if err := fixture.engine.Registry.Delete(ctx, "invoice_no", "invoices", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on repeated delete, got %v", err)
	}
}

func TestRegistryDeleteWithoutValuesSucceeds(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "invoice_no", TargetCollection: "invoices", Fields: []string{"year", "num"}})
	if err := fixture.engine.Registry.Delete(ctx, "invoice_no", "invoices", false); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
}

func TestRegistryToggle(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "invoice_no", TargetCollection: "invoices", Fields: []string{"year", "num"}})

	disabled, err := fixture.engine.Registry.Toggle(ctx, "invoice_no", "invoices", false)
	if err != nil || disabled.Active {
		t.Fatalf("expected definition to be disabled, got %#v (%v)", disabled, err)
	}
	if present, _ := fixture.hooks.HookExists(ctx, "contextseq_invoices", "invoices"); !present {
		t.Fatalf("expected deactivation to keep the hook")
	}

	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "other_no", TargetCollection: "invoices", Fields: []string{"dept", "num"}})
	if _, err := fixture.engine.Registry.Toggle(ctx, "invoice_no", "invoices", true); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected activation to be rejected while another counter fills num, got %v", err)
	}
	if err := fixture.engine.Registry.Delete(ctx, "other_no", "invoices", false); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	enabled, err := fixture.engine.Registry.Toggle(ctx, "invoice_no", "", true)
	if err != nil || !enabled.Active || !enabled.HookInstalled {
		t.Fatalf("expected definition to be enabled with a hook, got %#v (%v)", enabled, err)
	}
}

func TestRegistryNextIssuesWithoutWrite(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "invoice_no", TargetCollection: "invoices", Fields: []string{"year", "dept", "num"}})

	for _, expected := range []int64{1, 2} {
		value, err := fixture.engine.Registry.Next(ctx, "invoice_no", "invoices", []string{"2024", "A"})
		if err != nil || value != expected {
			t.Fatalf("expected %d, got %d (%v)", expected, value, err)
		}
	}
	if _, err := fixture.engine.Registry.Next(ctx, "invoice_no", "invoices", []string{"2024"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected key count mismatch to fail, got %v", err)
	}
	if _, err := fixture.engine.Registry.Next(ctx, "invoice_no", "invoices", []string{"2024", " "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected blank key value to fail, got %v", err)
	}
	if _, err := fixture.engine.Registry.Next(ctx, "missing", "invoices", []string{"2024", "A"}); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected unknown counter to be inactive, got %v", err)
	}
	if _, err := fixture.engine.Registry.Toggle(ctx, "invoice_no", "invoices", false); err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if _, err := fixture.engine.Registry.Next(ctx, "invoice_no", "invoices", []string{"2024", "A"}); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected disabled counter to be inactive, got %v", err)
	}
}

func TestRegistryListValuesJoinsDefinitions(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "doc_no", TargetCollection: "invoices", Fields: []string{"year", "num"}})
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "doc_no", TargetCollection: "receipts", Fields: []string{"year", "seq"}})
	if _, err := fixture.engine.Registry.Next(ctx, "doc_no", "invoices", []string{"2024"}); err != nil {
		t.Fatalf("unexpected next error: %v", err)
	}

	views, err := fixture.engine.Registry.ListValues(ctx, "")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(views) != 2 || views[0].TargetCollection != "invoices" || views[1].TargetCollection != "receipts" {
		t.Fatalf("expected the shared value once per definition, got %#v", views)
	}
	if views[0].ScopeKey != "2024" || views[0].Value != 1 {
		t.Fatalf("unexpected value view %#v", views[0])
	}
}

func TestRegistryGetReportsLiveness(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	mustCreate(t, fixture.engine.Registry, CreateRequest{CounterID: "invoice_no", TargetCollection: "invoices", Fields: []string{"year", "num"}})
	delete(fixture.catalog.columns, "invoices")

	views, err := fixture.engine.Registry.Get(ctx, Filter{TargetCollection: "invoices"})
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if len(views) != 1 || views[0].CollectionExists || !views[0].HookPresent {
		t.Fatalf("expected dropped collection with live hook, got %#v", views)
	}
}
