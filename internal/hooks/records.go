package hooks

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"reflect"

	"github.com/MarcoPoloResearchLab/contextseq/internal/counters"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// MapRecord exposes a column map, as written with db.Table(name).Create(map), as a Record.
type MapRecord map[string]interface{}

func (r MapRecord) Field(name string) (any, bool) {
	value, ok := r[name]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

func (r MapRecord) SetField(name string, value int64) error {
	r[name] = value
	return nil
}

// structRecord exposes one model value of a statement through its parsed schema.
type structRecord struct {
	ctx    context.Context
	schema *schema.Schema
	value  reflect.Value
}

func (r structRecord) Field(name string) (any, bool) {
	field := r.schema.LookUpField(name)
	if field == nil {
		return nil, false
	}
	value, _ := field.ValueOf(r.ctx, r.value)
	if value == nil {
		return nil, false
	}
	return value, true
}

func (r structRecord) SetField(name string, value int64) error {
	field := r.schema.LookUpField(name)
	if field == nil {
		return fmt.Errorf("field %q is not part of %s", name, r.schema.Name)
	}
	target := field.ReflectValueOf(r.ctx, r.value)
	if !target.CanSet() {
		return fmt.Errorf("field %q of %s is not settable", name, r.schema.Name)
	}
	return assignInt(target, value)
}

// NonNullable reports whether the field is a plain numeric value that cannot hold null.
func (r structRecord) NonNullable(name string) bool {
	field := r.schema.LookUpField(name)
	if field == nil {
		return false
	}
	switch field.FieldType.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// recordsOf adapts the destination of a create statement: a struct, a map, or a slice of either.
func recordsOf(statement *gorm.Statement) ([]counters.Record, error) {
	ctx := statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	switch dest := statement.Dest.(type) {
	case map[string]interface{}:
		return []counters.Record{MapRecord(dest)}, nil
	case *map[string]interface{}:
		return []counters.Record{MapRecord(*dest)}, nil
	case []map[string]interface{}:
		return mapRecords(dest), nil
	case *[]map[string]interface{}:
		return mapRecords(*dest), nil
	}

	if statement.Schema == nil {
		return nil, fmt.Errorf("unsupported create destination %T", statement.Dest)
	}
	value := statement.ReflectValue
	switch value.Kind() {
	case reflect.Struct:
		return []counters.Record{structRecord{ctx: ctx, schema: statement.Schema, value: value}}, nil
	case reflect.Slice, reflect.Array:
		records := make([]counters.Record, 0, value.Len())
		for index := 0; index < value.Len(); index++ {
			element := reflect.Indirect(value.Index(index))
			if element.Kind() != reflect.Struct {
				return nil, fmt.Errorf("unsupported create element %s", element.Type())
			}
			records = append(records, structRecord{ctx: ctx, schema: statement.Schema, value: element})
		}
		return records, nil
	default:
		return nil, fmt.Errorf("unsupported create destination %T", statement.Dest)
	}
}

func mapRecords(rows []map[string]interface{}) []counters.Record {
	records := make([]counters.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, MapRecord(row))
	}
	return records
}

var nullInt64Type = reflect.TypeOf(sql.NullInt64{})

func assignInt(target reflect.Value, value int64) error {
	switch target.Kind() {
	case reflect.Pointer:
		if target.IsNil() {
			target.Set(reflect.New(target.Type().Elem()))
		}
		return assignInt(target.Elem(), value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if target.OverflowInt(value) {
			return fmt.Errorf("value %d overflows %s", value, target.Type())
		}
		target.SetInt(value)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if value < 0 || target.OverflowUint(uint64(value)) {
			return fmt.Errorf("value %d overflows %s", value, target.Type())
		}
		target.SetUint(uint64(value))
		return nil
	case reflect.Float32, reflect.Float64:
		if math.Abs(float64(value)) > 1<<53 {
			return fmt.Errorf("value %d loses precision in %s", value, target.Type())
		}
		target.SetFloat(float64(value))
		return nil
	case reflect.Interface:
		target.Set(reflect.ValueOf(value))
		return nil
	}
	if target.Type() == nullInt64Type {
		target.Set(reflect.ValueOf(sql.NullInt64{Int64: value, Valid: true}))
		return nil
	}
	if target.CanAddr() {
		if scanner, ok := target.Addr().Interface().(sql.Scanner); ok {
			return scanner.Scan(value)
		}
	}
	return fmt.Errorf("cannot assign a counter value to %s", target.Type())
}
