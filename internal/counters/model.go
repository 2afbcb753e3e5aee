package counters

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	maxIdentifierLength = 190
	minDefinitionFields = 2
	defaultHookPrefix   = "contextseq_"
)

// CounterID represents a validated counter identifier.
type CounterID string

// NewCounterID validates raw input and returns a CounterID.
func NewCounterID(rawInput string) (CounterID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: counter id is empty", ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: counter id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return CounterID(trimmed), nil
}

// String returns the underlying identifier.
func (id CounterID) String() string {
	return string(id)
}

// FieldList is an ordered list of field names stored as JSON text.
type FieldList []string

// Value implements driver.Valuer.
func (list FieldList) Value() (driver.Value, error) {
	encoded, err := json.Marshal([]string(list))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (list *FieldList) Scan(source any) error {
	var raw []byte
	switch typed := source.(type) {
	case nil:
		*list = nil
		return nil
	case string:
		raw = []byte(typed)
	case []byte:
		raw = typed
	default:
		return fmt.Errorf("counters: cannot scan %T into field list", source)
	}
	var fields []string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	*list = fields
	return nil
}

// Definition binds a counter id to a target collection and its ordered field list.
// All fields but the last are key fields; the last one receives the counter value.
type Definition struct {
	CounterID        string    `gorm:"column:counter_id;primaryKey;size:190;not null"`
	TargetCollection string    `gorm:"column:target_collection;primaryKey;size:190;not null;index:idx_counter_definitions_collection"`
	Fields           FieldList `gorm:"column:fields;type:text;not null"`
	Description      string    `gorm:"column:description;type:text;not null"`
	Active           bool      `gorm:"column:active;not null"`
	HookInstalled    bool      `gorm:"column:hook_installed;not null"`
	HookName         string    `gorm:"column:hook_name;size:190;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Definition) TableName() string {
	return "counter_definitions"
}

// KeyFields returns every field but the counter field.
func (d Definition) KeyFields() []string {
	if len(d.Fields) < minDefinitionFields {
		return nil
	}
	return append([]string(nil), d.Fields[:len(d.Fields)-1]...)
}

// CounterField returns the field receiving the issued value.
func (d Definition) CounterField() string {
	if len(d.Fields) == 0 {
		return ""
	}
	return d.Fields[len(d.Fields)-1]
}

func (d Definition) key() definitionKey {
	return keyOf(d.CounterID, d.TargetCollection)
}

// DefaultHookName returns the hook name used when a definition does not name one.
// Every definition on a collection shares it, so one hook serves the whole collection.
func DefaultHookName(collection string) string {
	return defaultHookPrefix + collection
}

// Value is the last issued number for one scope of one counter id.
type Value struct {
	CounterID  string    `gorm:"column:counter_id;primaryKey;size:190;not null"`
	ScopeKey   string    `gorm:"column:scope_key;primaryKey;size:1024;not null"`
	Value      int64     `gorm:"column:value;not null"`
	LastUsedAt time.Time `gorm:"column:last_used_at;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Value) TableName() string {
	return "counter_values"
}

// DefinitionView projects a definition together with live liveness flags.
type DefinitionView struct {
	Definition       Definition
	CollectionExists bool
	HookPresent      bool
}

// ValueView joins a counter value with the collection of a definition using its counter id.
// A value shared by several definitions appears once per definition.
type ValueView struct {
	CounterID        string
	TargetCollection string
	ScopeKey         string
	Value            int64
	LastUsedAt       time.Time
	CreatedAt        time.Time
}

type sessionContextKey struct{}

// ContextWithSession carries an in-flight GORM session (typically the transaction of the
// write being augmented) so the engine reads and writes through the same connection.
// The session must already be bound to its context and start from a clean statement,
// as returned by db.Session(&gorm.Session{NewDB: true, Context: ctx}) or Transaction.
func ContextWithSession(ctx context.Context, session *gorm.DB) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

func sessionFromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if session, ok := ctx.Value(sessionContextKey{}).(*gorm.DB); ok && session != nil {
		return session
	}
	return fallback.WithContext(ctx)
}
