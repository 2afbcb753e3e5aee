package counters

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "contextseq:counter:"
	redisValuesSuffix     = ":values"
	redisLastUsedSuffix   = ":last_used"
	redisCreatedSuffix    = ":created"
	redisScanBatch        = 100
)

var errMissingRedisClient = errors.New("redis client is required")

// RedisStore keeps each counter id in a hash whose fields are scope keys.
// HINCRBY is atomic per field, so only writers of the same scope key are ordered.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Client    *redis.Client
	KeyPrefix string
	Clock     func() time.Time
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, newServiceError(opRegistryNew, reasonInvalid, definitionKey{}, errMissingRedisClient)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RedisStore{client: cfg.Client, prefix: prefix, clock: clock}, nil
}

func (s *RedisStore) Next(ctx context.Context, counterID CounterID, scopeKey ScopeKey) (int64, error) {
	now := strconv.FormatInt(s.clock().UTC().UnixNano(), 10)
	base := s.prefix + counterID.String()

	var increment *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		increment = pipe.HIncrBy(ctx, base+redisValuesSuffix, scopeKey.String(), 1)
		pipe.HSet(ctx, base+redisLastUsedSuffix, scopeKey.String(), now)
		pipe.HSetNX(ctx, base+redisCreatedSuffix, scopeKey.String(), now)
		return nil
	})
	if err != nil {
		return 0, newServiceError(opStoreNext, reasonWrite, keyOf(counterID.String(), ""), err)
	}
	return increment.Val(), nil
}

func (s *RedisStore) Exists(ctx context.Context, counterID CounterID) (bool, error) {
	count, err := s.client.Exists(ctx, s.prefix+counterID.String()+redisValuesSuffix).Result()
	if err != nil {
		return false, newServiceError(opStoreExists, reasonQuery, keyOf(counterID.String(), ""), err)
	}
	return count > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, counterID CounterID) (int64, error) {
	base := s.prefix + counterID.String()
	var length *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.HLen(ctx, base+redisValuesSuffix)
		pipe.Del(ctx, base+redisValuesSuffix, base+redisLastUsedSuffix, base+redisCreatedSuffix)
		return nil
	})
	if err != nil {
		return 0, newServiceError(opStoreDelete, reasonWrite, keyOf(counterID.String(), ""), err)
	}
	return length.Val(), nil
}

func (s *RedisStore) List(ctx context.Context, counterID CounterID) ([]Value, error) {
	counterIDs := []CounterID{counterID}
	if counterID == "" {
		discovered, err := s.scanCounterIDs(ctx)
		if err != nil {
			return nil, newServiceError(opStoreList, reasonQuery, definitionKey{}, err)
		}
		counterIDs = discovered
	}

	values := make([]Value, 0)
	for _, id := range counterIDs {
		base := s.prefix + id.String()
		issued, err := s.client.HGetAll(ctx, base+redisValuesSuffix).Result()
		if err != nil {
			return nil, newServiceError(opStoreList, reasonQuery, keyOf(id.String(), ""), err)
		}
		lastUsed, err := s.client.HGetAll(ctx, base+redisLastUsedSuffix).Result()
		if err != nil {
			return nil, newServiceError(opStoreList, reasonQuery, keyOf(id.String(), ""), err)
		}
		created, err := s.client.HGetAll(ctx, base+redisCreatedSuffix).Result()
		if err != nil {
			return nil, newServiceError(opStoreList, reasonQuery, keyOf(id.String(), ""), err)
		}
		for scope, raw := range issued {
			value, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil {
				return nil, newServiceError(opStoreList, reasonQuery, keyOf(id.String(), ""), parseErr)
			}
			values = append(values, Value{
				CounterID:  id.String(),
				ScopeKey:   scope,
				Value:      value,
				LastUsedAt: parseUnixNano(lastUsed[scope]),
				CreatedAt:  parseUnixNano(created[scope]),
			})
		}
	}
	sort.Slice(values, func(i, j int) bool {
		if values[i].CounterID != values[j].CounterID {
			return values[i].CounterID < values[j].CounterID
		}
		return values[i].ScopeKey < values[j].ScopeKey
	})
	return values, nil
}

func (s *RedisStore) scanCounterIDs(ctx context.Context) ([]CounterID, error) {
	var ids []CounterID
	seen := make(map[string]struct{})
	iterator := s.client.Scan(ctx, 0, s.prefix+"*"+redisValuesSuffix, redisScanBatch).Iterator()
	for iterator.Next(ctx) {
		key := strings.TrimSuffix(strings.TrimPrefix(iterator.Val(), s.prefix), redisValuesSuffix)
		if _, duplicate := seen[key]; key == "" || duplicate {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, CounterID(key))
	}
	if err := iterator.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func parseUnixNano(raw string) time.Time {
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}
