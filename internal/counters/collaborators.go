package counters

import "context"

// TypeKind classifies the declared type of a column.
type TypeKind int

const (
	// TypeKindOther covers every non-numeric type.
	TypeKindOther TypeKind = iota
	// TypeKindInteger covers integer-like types.
	TypeKindInteger
	// TypeKindNumeric covers decimal and floating point types.
	TypeKindNumeric
)

// IsNumeric reports whether a counter field of this kind can hold issued values.
func (kind TypeKind) IsNumeric() bool {
	return kind == TypeKindInteger || kind == TypeKindNumeric
}

// SchemaInspector answers questions about the live collections of the host database.
type SchemaInspector interface {
	CollectionExists(ctx context.Context, collection string) (bool, error)
	ColumnExists(ctx context.Context, collection, field string) (bool, error)
	ColumnType(ctx context.Context, collection, field string) (TypeKind, error)
}

// Record is the host's representation of one incoming row, addressed by field name.
type Record interface {
	// Field returns the value of the field and false when it is absent or null.
	Field(name string) (any, bool)
	// SetField assigns an issued counter value.
	SetField(name string, value int64) error
}

// NonNullableRecord is implemented by records whose fields may be unable to hold null,
// such as plain numeric struct fields. For those fields a zero counter value means
// that no value was supplied.
type NonNullableRecord interface {
	NonNullable(name string) bool
}

// HookHandler runs for every record written to a hooked collection, before the write commits.
// Returning an error aborts the write.
type HookHandler func(ctx context.Context, collection string, record Record) error

// HookBackend installs write-path hooks in the host.
type HookBackend interface {
	InstallHook(ctx context.Context, name, collection string, handler HookHandler) error
	RemoveHook(ctx context.Context, name, collection string) error
	HookExists(ctx context.Context, name, collection string) (bool, error)
}
