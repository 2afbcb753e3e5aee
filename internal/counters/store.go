package counters

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Store issues counter values. Implementations must be safe for concurrent use:
// two Next calls on the same (counter id, scope key) never return the same value,
// and calls on different keys never wait on each other.
type Store interface {
	// Next returns 1 for an unseen key and the previous value plus one otherwise.
	Next(ctx context.Context, counterID CounterID, scopeKey ScopeKey) (int64, error)
	// Exists reports whether any value exists for the counter id.
	Exists(ctx context.Context, counterID CounterID) (bool, error)
	// Delete removes every value of the counter id and returns how many were removed.
	Delete(ctx context.Context, counterID CounterID) (int64, error)
	// List returns the values of the counter id, or of every counter when it is empty.
	List(ctx context.Context, counterID CounterID) ([]Value, error)
}

const upsertNextValueSQL = `INSERT INTO counter_values (counter_id, scope_key, value, last_used_at, created_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT (counter_id, scope_key) DO UPDATE
SET value = counter_values.value + 1, last_used_at = excluded.last_used_at
RETURNING value`

// SQLStore keeps counter values in the counter_values table. Each increment is a single
// upsert statement, so the database row lock serializes writers of one key only.
// When the context carries a session (see ContextWithSession) the increment joins it.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore constructs a SQLStore over the provided database handle.
func NewSQLStore(db *gorm.DB, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingDatabase)
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}, nil
}

func (s *SQLStore) Next(ctx context.Context, counterID CounterID, scopeKey ScopeKey) (int64, error) {
	now := s.clock().UTC()
	var value int64
	err := sessionFromContext(ctx, s.db).
		Raw(upsertNextValueSQL, counterID.String(), scopeKey.String(), now, now).
		Scan(&value).Error
	if err != nil {
		return 0, newServiceError(opStoreNext, reasonWrite, keyOf(counterID.String(), ""), err)
	}
	return value, nil
}

func (s *SQLStore) Exists(ctx context.Context, counterID CounterID) (bool, error) {
	var count int64
	err := sessionFromContext(ctx, s.db).
		Model(&Value{}).
		Where("counter_id = ?", counterID.String()).
		Count(&count).Error
	if err != nil {
		return false, newServiceError(opStoreExists, reasonQuery, keyOf(counterID.String(), ""), err)
	}
	return count > 0, nil
}

func (s *SQLStore) Delete(ctx context.Context, counterID CounterID) (int64, error) {
	result := sessionFromContext(ctx, s.db).
		Where("counter_id = ?", counterID.String()).
		Delete(&Value{})
	if result.Error != nil {
		return 0, newServiceError(opStoreDelete, reasonWrite, keyOf(counterID.String(), ""), result.Error)
	}
	return result.RowsAffected, nil
}

func (s *SQLStore) List(ctx context.Context, counterID CounterID) ([]Value, error) {
	query := sessionFromContext(ctx, s.db).Order("counter_id ASC, scope_key ASC")
	if counterID != "" {
		query = query.Where("counter_id = ?", counterID.String())
	}
	var values []Value
	if err := query.Find(&values).Error; err != nil {
		return nil, newServiceError(opStoreList, reasonQuery, keyOf(counterID.String(), ""), err)
	}
	return values, nil
}
