package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultClipTTL is how long clips live when no TTL is configured.
const DefaultClipTTL = 10 * time.Minute

const clipKeyPrefix = "fleetdash:clip:"

// RedisClipStore stores clips in Redis so that any console replica can serve
// a clip synthesized by another.
type RedisClipStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRedisClipStore connects to Redis and verifies the connection.
// A zero ttl uses DefaultClipTTL.
func NewRedisClipStore(addr, password string, db int, ttl time.Duration) (*RedisClipStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl == 0 {
		ttl = DefaultClipTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisClipStore{client: client, ttl: ttl}, nil
}

func clipKey(id string) string {
	return clipKeyPrefix + id
}

// Put stores clip under fleetdash:clip:<id> with the store TTL.
func (r *RedisClipStore) Put(ctx context.Context, clip Clip) error {
	if err := validateID(clip.ID); err != nil {
		return err
	}
	if clip.CreatedAt.IsZero() {
		clip.CreatedAt = time.Now()
	}

	data, err := json.Marshal(clip)
	if err != nil {
		return fmt.Errorf("failed to marshal clip: %w", err)
	}

	if err := r.client.Set(ctx, clipKey(clip.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store clip in redis: %w", err)
	}
	return nil
}

// Get returns the clip with the given id, or found=false once it expired.
func (r *RedisClipStore) Get(ctx context.Context, id string) (Clip, bool, error) {
	if err := validateID(id); err != nil {
		return Clip{}, false, err
	}

	data, err := r.client.Get(ctx, clipKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Clip{}, false, nil
		}
		return Clip{}, false, fmt.Errorf("failed to get clip from redis: %w", err)
	}

	var clip Clip
	if err := json.Unmarshal(data, &clip); err != nil {
		return Clip{}, false, fmt.Errorf("failed to unmarshal clip: %w", err)
	}
	return clip, true, nil
}

// Close closes the Redis client. It is safe to call more than once.
func (r *RedisClipStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

// Ping checks the Redis connection.
func (r *RedisClipStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
