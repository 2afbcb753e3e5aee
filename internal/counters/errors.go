package counters

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation reports malformed or missing input.
	ErrValidation = errors.New("counters: validation failed")
	// ErrNotFound reports a missing definition, collection or field.
	ErrNotFound = errors.New("counters: not found")
	// ErrAlreadyExists reports a duplicate (counter id, target collection) pair.
	ErrAlreadyExists = errors.New("counters: already exists")
	// ErrType reports a counter field whose declared type is not numeric.
	ErrType = errors.New("counters: counter field is not numeric")
	// ErrConflict reports a delete without cascade while values exist.
	ErrConflict = errors.New("counters: conflict")
	// ErrInactive reports issuance against a disabled or unknown counter.
	ErrInactive = errors.New("counters: counter inactive")
)

// ServiceError carries the failing operation code and the definition identifiers.
type ServiceError struct {
	code       string
	counterID  string
	collection string
	err        error
}

func (e *ServiceError) Error() string {
	var builder strings.Builder
	builder.WriteString(e.code)
	if e.counterID != "" {
		builder.WriteString(" counter=")
		builder.WriteString(e.counterID)
	}
	if e.collection != "" {
		builder.WriteString(" collection=")
		builder.WriteString(e.collection)
	}
	if e.err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.err.Error())
	}
	return builder.String()
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

// CounterID returns the counter identifier the failure relates to, if any.
func (e *ServiceError) CounterID() string {
	return e.counterID
}

// Collection returns the target collection the failure relates to, if any.
func (e *ServiceError) Collection() string {
	return e.collection
}

const (
	opRegistryNew    = "counters.registry.new"
	opCreate         = "counters.create"
	opUpdate         = "counters.update"
	opDelete         = "counters.delete"
	opGet            = "counters.get"
	opToggle         = "counters.toggle"
	opNext           = "counters.next"
	opListValues     = "counters.list_values"
	opDispatch       = "counters.dispatch"
	opOrchestrator   = "counters.orchestrator"
	opSyncAll        = "counters.sync_all"
	opAttach         = "counters.attach"
	opStoreNext      = "counters.store.next"
	opStoreDelete    = "counters.store.delete"
	opStoreList      = "counters.store.list"
	opStoreExists    = "counters.store.exists"
	reasonInvalid    = "invalid_input"
	reasonMissing    = "not_found"
	reasonDuplicate  = "duplicate"
	reasonQuery      = "query_failed"
	reasonWrite      = "write_failed"
	reasonCatalog    = "catalog_failed"
	reasonStore      = "store_failed"
	reasonHasValues  = "values_exist"
	reasonNotNumeric = "not_numeric"
	reasonInactive   = "inactive"
)

func newServiceError(operation, reason string, key definitionKey, cause error) error {
	return &ServiceError{
		code:       fmt.Sprintf("%s.%s", operation, reason),
		counterID:  key.counterID,
		collection: key.collection,
		err:        cause,
	}
}

type definitionKey struct {
	counterID  string
	collection string
}

func keyOf(counterID, collection string) definitionKey {
	return definitionKey{counterID: counterID, collection: collection}
}
