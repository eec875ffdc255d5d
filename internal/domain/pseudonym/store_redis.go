package pseudonym

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefixes for forward and reverse mapping entries
	mappingKeyPrefix = "deid:map:"
	reverseKeyPrefix = "deid:rev:"
)

// RedisStore shares mappings across engine instances. SETNX makes the first
// writer win; later writers read the winner's mapping back.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisStoreOption configures a RedisStore instance.
type RedisStoreOption func(*RedisStore)

// WithTTL expires mappings after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore constructs a Redis-backed mapping store.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func forwardRedisKey(key MappingKey) string {
	return mappingKeyPrefix + key.String()
}

func reverseRedisKey(scopeID string, kind Kind, substitute string) string {
	return fmt.Sprintf("%s%d:%s:%s:%s", reverseKeyPrefix, len(scopeID), scopeID, kind, substitute)
}

func (s *RedisStore) GetOrCreate(ctx context.Context, key MappingKey, create func() (Mapping, error)) (Mapping, error) {
	fk := forwardRedisKey(key)
	if m, err := s.get(ctx, fk); err == nil {
		return m, nil
	} else if !errors.Is(err, ErrMappingNotFound) {
		return Mapping{}, err
	}

	m, err := create()
	if err != nil {
		return Mapping{}, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return Mapping{}, fmt.Errorf("encode mapping: %w", err)
	}

	won, err := s.client.SetNX(ctx, fk, payload, s.ttl).Result()
	if err != nil {
		return Mapping{}, fmt.Errorf("setnx mapping: %w", err)
	}
	if !won {
		return s.get(ctx, fk)
	}
	if err := s.client.Set(ctx, reverseRedisKey(key.ScopeID, key.Kind, m.Substitute), fk, s.ttl).Err(); err != nil {
		return Mapping{}, fmt.Errorf("set reverse index: %w", err)
	}
	return m, nil
}

func (s *RedisStore) Reverse(ctx context.Context, scopeID string, kind Kind, substitute string) (Mapping, error) {
	fk, err := s.client.Get(ctx, reverseRedisKey(scopeID, kind, substitute)).Result()
	if errors.Is(err, redis.Nil) {
		return Mapping{}, ErrMappingNotFound
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("get reverse index: %w", err)
	}
	return s.get(ctx, fk)
}

func (s *RedisStore) get(ctx context.Context, fk string) (Mapping, error) {
	raw, err := s.client.Get(ctx, fk).Bytes()
	if errors.Is(err, redis.Nil) {
		return Mapping{}, ErrMappingNotFound
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("get mapping: %w", err)
	}
	var m Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return Mapping{}, fmt.Errorf("decode mapping: %w", err)
	}
	return m, nil
}
