package agentmap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "kb_session:"

// RedisStore persists mappings as hashes under kb_session:<user>.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Close releases the underlying client.
func (r *RedisStore) Close() error { return r.rdb.Close() }

func key(userID string) string { return keyPrefix + userID }

func (r *RedisStore) Get(ctx context.Context, userID string) (*Mapping, error) {
	fields, err := r.rdb.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get agent session mapping: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return &Mapping{
		InternalSessionID: fields["internal_session_id"],
		AgentSessionID:    fields["agent_session_id"],
	}, nil
}

func (r *RedisStore) Put(ctx context.Context, userID string, m Mapping) error {
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, key(userID),
		"internal_session_id", m.InternalSessionID,
		"agent_session_id", m.AgentSessionID,
	)
	pipe.Expire(ctx, key(userID), TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store agent session mapping: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := r.rdb.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("clear agent session mapping: %w", err)
	}
	return nil
}
