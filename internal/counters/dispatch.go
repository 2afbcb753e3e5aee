package counters

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher is the generic hook handler: it fills missing counter fields of incoming
// records from every active definition of the written collection.
type Dispatcher struct {
	db     *gorm.DB
	store  Store
	logger *zap.Logger
}

// DispatcherConfig describes the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Database *gorm.DB
	Store    Store
	Logger   *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Dispatcher{db: cfg.Database, store: cfg.Store, logger: logger}, nil
}

// Handle runs once per incoming record. Definitions are evaluated in counter id order;
// explicit counter values supplied by the writer are never overwritten.
func (d *Dispatcher) Handle(ctx context.Context, collection string, record Record) error {
	var definitions []Definition
	err := sessionFromContext(ctx, d.db).
		Where("target_collection = ? AND active = ?", collection, true).
		Order("counter_id ASC").
		Find(&definitions).Error
	if err != nil {
		dispatchFailuresTotal.WithLabelValues(collection).Inc()
		return newServiceError(opDispatch, reasonQuery, keyOf("", collection), err)
	}

	for _, definition := range definitions {
		if err := d.apply(ctx, definition, record); err != nil {
			dispatchFailuresTotal.WithLabelValues(collection).Inc()
			d.logger.Warn("counter dispatch aborted write",
				zap.String("counter_id", definition.CounterID),
				zap.String("collection", collection),
				zap.Error(err))
			return err
		}
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, definition Definition, record Record) error {
	counterField := definition.CounterField()
	if current, present := record.Field(counterField); present && !isUnsetCounter(record, counterField, current) {
		return nil
	}

	keyFields := definition.KeyFields()
	keyValues := make([]string, 0, len(keyFields))
	for _, field := range keyFields {
		raw, present := record.Field(field)
		value, ok := formatKeyValue(raw)
		if !present || !ok {
			return newServiceError(opDispatch, reasonInvalid, definition.key(),
				fmt.Errorf("%w: key field %q is null for counter %q", ErrValidation, field, definition.CounterID))
		}
		keyValues = append(keyValues, value)
	}

	scopeKey := ComposeScopeKey(keyValues)
	value, err := d.store.Next(ctx, CounterID(definition.CounterID), scopeKey)
	if err != nil {
		return newServiceError(opDispatch, reasonStore, definition.key(), err)
	}
	valuesIssuedTotal.WithLabelValues(definition.CounterID).Inc()

	if err := record.SetField(counterField, value); err != nil {
		return newServiceError(opDispatch, reasonWrite, definition.key(), err)
	}
	d.logger.Debug("counter value issued",
		zap.String("counter_id", definition.CounterID),
		zap.String("collection", definition.TargetCollection),
		zap.String("scope_key", scopeKey.String()),
		zap.Int64("value", value))
	return nil
}

// formatKeyValue renders a key field value for the scope key; false means null.
func formatKeyValue(raw any) (string, bool) {
	value, ok := indirectValue(raw)
	if !ok {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		return typed, true
	case []byte:
		return string(typed), true
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano), true
	case json.Number:
		return typed.String(), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32), true
	case bool:
		return strconv.FormatBool(typed), true
	case fmt.Stringer:
		return typed.String(), true
	default:
		return fmt.Sprint(typed), true
	}
}

// isUnsetCounter reports whether the counter field still needs a value. Null is unset;
// zero is unset only for fields that cannot hold null, since issued values start at 1.
func isUnsetCounter(record Record, field string, raw any) bool {
	value, ok := indirectValue(raw)
	if !ok {
		return true
	}
	nonNullable, ok := record.(NonNullableRecord)
	if !ok || !nonNullable.NonNullable(field) {
		return false
	}
	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return reflected.IsZero()
	}
	return false
}

// indirectValue dereferences pointers and driver.Valuer wrappers; false means null.
func indirectValue(raw any) (any, bool) {
	if raw == nil {
		return nil, false
	}
	if valuer, ok := raw.(driver.Valuer); ok {
		reflected := reflect.ValueOf(raw)
		if reflected.Kind() == reflect.Pointer && reflected.IsNil() {
			return nil, false
		}
		inner, err := valuer.Value()
		if err != nil || inner == nil {
			return nil, false
		}
		return inner, true
	}
	reflected := reflect.ValueOf(raw)
	for reflected.Kind() == reflect.Pointer || reflected.Kind() == reflect.Interface {
		if reflected.IsNil() {
			return nil, false
		}
		reflected = reflected.Elem()
	}
	return reflected.Interface(), true
}
