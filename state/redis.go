package state

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding progress when no key is configured.
const DefaultRedisKey = "pst-index:progress"

// RedisBackend stores progress in a single Redis hash (field id, value outcome).
type RedisBackend struct {
	Client redis.UniversalClient
	Key    string
}

// NewRedisBackend connects using a redis:// URL.
func NewRedisBackend(url, key string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{Client: redis.NewClient(opts), Key: key}, nil
}

func (r *RedisBackend) String() string { return "redis:" + r.Key }

func (r *RedisBackend) Load(ctx context.Context) (map[string]Outcome, error) {
	raw, err := r.Client.HGetAll(ctx, r.Key).Result()
	if err != nil {
		return nil, &IOError{Op: "load", Path: r.String(), Err: err}
	}
	entries := make(map[string]Outcome, len(raw))
	for id, value := range raw {
		if id == "" {
			return nil, fmt.Errorf("%w: %s: empty id", ErrCorruptProgressFile, r.String())
		}
		outcome, err := ParseOutcome(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s field %s: %v", ErrCorruptProgressFile, r.String(), id, err)
		}
		entries[id] = outcome
	}
	return entries, nil
}

// Save replaces the hash in one MULTI/EXEC transaction.
func (r *RedisBackend) Save(ctx context.Context, entries map[string]Outcome) error {
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.Key)
		if len(entries) == 0 {
			return nil
		}
		values := make([]any, 0, len(entries)*2)
		for _, id := range sortedIDs(entries) {
			values = append(values, id, string(entries[id]))
		}
		pipe.HSet(ctx, r.Key, values...)
		return nil
	})
	if err != nil {
		return &IOError{Op: "save", Path: r.String(), Err: err}
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.Client.Close()
}
