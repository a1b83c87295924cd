package convstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists slots under <channel>:conv_state:<user> so multiple
// platforms can share one backend without collisions.
type RedisStore struct {
	rdb     *redis.Client
	channel string
	now     func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client, binding keys to channel.
func NewRedisStore(rdb *redis.Client, channel string) *RedisStore {
	return &RedisStore{
		rdb:     rdb,
		channel: channel,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the underlying client.
func (r *RedisStore) Close() error { return r.rdb.Close() }

func (r *RedisStore) key(userID string) string {
	return r.channel + ":conv_state:" + userID
}

func (r *RedisStore) keyPattern() string {
	return r.channel + ":conv_state:*"
}

func (r *RedisStore) Get(ctx context.Context, userID string) (*Context, error) {
	raw, err := r.rdb.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation state: %w", err)
	}
	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode conversation state for %s: %w", userID, err)
	}
	return &c, nil
}

func (r *RedisStore) Update(ctx context.Context, userID string, patch Patch) (*Context, error) {
	next, err := r.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		next = &Context{UserID: userID, Channel: r.channel, State: StateIdle}
	} else if err != nil {
		return nil, err
	}
	if err := patch(next); err != nil {
		return nil, err
	}
	next.UserID = userID
	next.Channel = r.channel
	next.UpdatedAt = r.now()

	payload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation state: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(userID), payload, storageTTL).Err(); err != nil {
		return nil, fmt.Errorf("store conversation state: %w", err)
	}
	return next, nil
}

func (r *RedisStore) ScanWaiting(ctx context.Context) ([]*Context, error) {
	var waiting []*Context
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.keyPattern(), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan conversation state: %w", err)
		}
		if len(keys) > 0 {
			values, err := r.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("load conversation state: %w", err)
			}
			for _, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var c Context
				if err := json.Unmarshal([]byte(raw), &c); err != nil {
					continue
				}
				if c.State == StateWaitingExpert {
					waiting = append(waiting, &c)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return waiting, nil
		}
	}
}

func (r *RedisStore) FindPendingForExpert(ctx context.Context, expertUserID string) (*Context, error) {
	waiting, err := r.ScanWaiting(ctx)
	if err != nil {
		return nil, err
	}
	if best := oldestWaiting(waiting, expertUserID); best != nil {
		return best, nil
	}
	return nil, ErrNotFound
}

func (r *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := r.rdb.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear conversation state: %w", err)
	}
	return nil
}
