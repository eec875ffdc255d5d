package pseudonym

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func redisTestClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("DEID_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DEID_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	return client
}

func TestRedisStore_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(redisTestClient(t), WithTTL(time.Minute))
	key := MappingKey{ScopeID: "scope-" + uuid.NewString(), Kind: KindIdentifier, ValueHash: "abc"}

	first, err := store.GetOrCreate(ctx, key, func() (Mapping, error) {
		return Mapping{Key: key, Substitute: "ANON-1"}, nil
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := store.GetOrCreate(ctx, key, func() (Mapping, error) {
		return Mapping{Key: key, Substitute: "ANON-2"}, nil
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Substitute != "ANON-1" || second.Substitute != "ANON-1" {
		t.Errorf("got %q and %q, want ANON-1 twice", first.Substitute, second.Substitute)
	}

	rev, err := store.Reverse(ctx, key.ScopeID, KindIdentifier, "ANON-1")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if rev.Key != key {
		t.Errorf("reverse key = %+v, want %+v", rev.Key, key)
	}
}
