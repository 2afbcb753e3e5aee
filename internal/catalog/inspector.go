package catalog

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/MarcoPoloResearchLab/contextseq/internal/counters"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	identifierPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	integerTypes = map[string]struct{}{
		"int": {}, "integer": {}, "int2": {}, "int4": {}, "int8": {},
		"smallint": {}, "bigint": {}, "tinyint": {}, "mediumint": {},
		"serial": {}, "bigserial": {}, "smallserial": {},
	}
	numericTypes = map[string]struct{}{
		"numeric": {}, "decimal": {}, "real": {}, "double": {}, "double precision": {},
		"float": {}, "float4": {}, "float8": {},
	}
)

// Inspector answers schema questions from the live database through the GORM migrator.
// Collections are tables; fields are columns.
type Inspector struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewInspector constructs an Inspector.
func NewInspector(db *gorm.DB, logger *zap.Logger) (*Inspector, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{db: db, logger: logger}, nil
}

// ValidIdentifier reports whether name can be used as a collection or field name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func (i *Inspector) CollectionExists(ctx context.Context, collection string) (bool, error) {
	if !ValidIdentifier(collection) {
		return false, nil
	}
	return i.db.WithContext(ctx).Migrator().HasTable(collection), nil
}

func (i *Inspector) ColumnExists(ctx context.Context, collection, field string) (bool, error) {
	column, err := i.column(ctx, collection, field)
	if err != nil {
		return false, err
	}
	return column != nil, nil
}

func (i *Inspector) ColumnType(ctx context.Context, collection, field string) (counters.TypeKind, error) {
	column, err := i.column(ctx, collection, field)
	if err != nil {
		return counters.TypeKindOther, err
	}
	if column == nil {
		return counters.TypeKindOther, nil
	}
	return ClassifyType(column.DatabaseTypeName()), nil
}

func (i *Inspector) column(ctx context.Context, collection, field string) (gorm.ColumnType, error) {
	if !ValidIdentifier(collection) || !ValidIdentifier(field) {
		return nil, nil
	}
	migrator := i.db.WithContext(ctx).Migrator()
	if !migrator.HasTable(collection) {
		return nil, nil
	}
	columns, err := migrator.ColumnTypes(collection)
	if err != nil {
		i.logger.Error("column introspection failed",
			zap.String("collection", collection),
			zap.Error(err))
		return nil, err
	}
	// Records address fields by exact name, so columns must match exactly too.
	for _, column := range columns {
		if column.Name() == field {
			return column, nil
		}
	}
	return nil, nil
}

// ClassifyType maps a declared database type name onto a TypeKind.
// Length and precision modifiers such as NUMERIC(10,2) are ignored.
func ClassifyType(declared string) counters.TypeKind {
	name := strings.ToLower(strings.TrimSpace(declared))
	if cut := strings.IndexByte(name, '('); cut >= 0 {
		name = strings.TrimSpace(name[:cut])
	}
	name = strings.TrimSuffix(name, " unsigned")
	if _, ok := integerTypes[name]; ok {
		return counters.TypeKindInteger
	}
	if _, ok := numericTypes[name]; ok {
		return counters.TypeKindNumeric
	}
	return counters.TypeKindOther
}
