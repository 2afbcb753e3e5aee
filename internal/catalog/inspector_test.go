package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/contextseq/internal/counters"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openCatalogDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "catalog.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	statement := `CREATE TABLE invoices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER NOT NULL,
		dept VARCHAR(32) NOT NULL,
		num BIGINT,
		amount NUMERIC(10,2),
		note TEXT
	)`
	if err := db.Exec(statement).Error; err != nil {
		t.Fatalf("failed to create invoices: %v", err)
	}
	return db
}

func TestInspectorReportsCollectionsAndColumns(t *testing.T) {
	inspector, err := NewInspector(openCatalogDatabase(t), nil)
	if err != nil {
		t.Fatalf("unexpected inspector error: %v", err)
	}
	ctx := context.Background()

	exists, err := inspector.CollectionExists(ctx, "invoices")
	if err != nil || !exists {
		t.Fatalf("expected invoices to exist, got %v (%v)", exists, err)
	}
	exists, err = inspector.CollectionExists(ctx, "orders")
	if err != nil || exists {
		t.Fatalf("expected orders to be missing, got %v (%v)", exists, err)
	}
	exists, err = inspector.CollectionExists(ctx, "invoices; DROP TABLE invoices")
	if err != nil || exists {
		t.Fatalf("expected malformed collection name to be reported missing, got %v (%v)", exists, err)
	}

	present, err := inspector.ColumnExists(ctx, "invoices", "dept")
	if err != nil || !present {
		t.Fatalf("expected dept column, got %v (%v)", present, err)
	}
	present, err = inspector.ColumnExists(ctx, "invoices", "region")
	if err != nil || present {
		t.Fatalf("expected region column to be missing, got %v (%v)", present, err)
	}
	present, err = inspector.ColumnExists(ctx, "invoices", "Dept")
	if err != nil || present {
		t.Fatalf("expected column lookup to be case-sensitive, got %v (%v)", present, err)
	}
	present, err = inspector.ColumnExists(ctx, "orders", "dept")
	if err != nil || present {
		t.Fatalf("expected column of missing table to be missing, got %v (%v)", present, err)
	}
}

func TestInspectorClassifiesColumnTypes(t *testing.T) {
	inspector, err := NewInspector(openCatalogDatabase(t), nil)
	if err != nil {
		t.Fatalf("unexpected inspector error: %v", err)
	}
	expectations := map[string]counters.TypeKind{
		"year":   counters.TypeKindInteger,
		"num":    counters.TypeKindInteger,
		"amount": counters.TypeKindNumeric,
		"dept":   counters.TypeKindOther,
		"note":   counters.TypeKindOther,
	}
	for field, expected := range expectations {
		kind, err := inspector.ColumnType(context.Background(), "invoices", field)
		if err != nil {
			t.Fatalf("unexpected type error for %s: %v", field, err)
		}
		if kind != expected {
			t.Fatalf("expected %s to classify as %d, got %d", field, expected, kind)
		}
	}
}

func TestClassifyTypeHandlesModifiersAndCase(t *testing.T) {
	testCases := []struct {
		declared string
		expected counters.TypeKind
	}{
		{declared: "INT8", expected: counters.TypeKindInteger},
		{declared: "int unsigned", expected: counters.TypeKindInteger},
		{declared: "Decimal(12, 4)", expected: counters.TypeKindNumeric},
		{declared: "double precision", expected: counters.TypeKindNumeric},
		{declared: "FLOAT8", expected: counters.TypeKindNumeric},
		{declared: "varchar(255)", expected: counters.TypeKindOther},
		{declared: "timestamp", expected: counters.TypeKindOther},
		{declared: "", expected: counters.TypeKindOther},
	}
	for _, testCase := range testCases {
		if kind := ClassifyType(testCase.declared); kind != testCase.expected {
			t.Fatalf("expected %q to classify as %d, got %d", testCase.declared, testCase.expected, kind)
		}
	}
}
