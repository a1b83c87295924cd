package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/parley/internal/session"
)

// Key layout in the durable backend.
const (
	sessionKeyPrefix      = "session:"
	userSessionsKeyPrefix = "user_sessions:"
	historyKeyPrefix      = "session_history:"
)

// indexTTL bounds the secondary index set. It must outlive the longest
// record TTL so a live session is never orphaned from its index.
const indexTTL = 30 * 24 * time.Hour

// historyTTL slides on each append.
const historyTTL = 7 * 24 * time.Hour

// casScript swaps the stored record iff the embedded summary version still
// equals the caller's expectation. Returns 1 on success, 0 on conflict,
// -1 when the record is absent. Running as a single script linearizes CAS
// per key on the backend.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return -1
end
local ok, doc = pcall(cjson.decode, cur)
if not ok or type(doc) ~= 'table' or type(doc['summary']) ~= 'table' then
  return -1
end
if tonumber(doc['summary']['version']) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisStore persists sessions in Redis using the documented key layout:
// session:<id> records, user_sessions:<user> id sets, and
// session_history:<id> lists. Record TTLs are enforced by the backend.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// Ping verifies backend connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func sessionKey(id string) string       { return sessionKeyPrefix + id }
func userSessionsKey(uid string) string { return userSessionsKeyPrefix + uid }
func historyKey(id string) string       { return historyKeyPrefix + id }

func (r *RedisStore) recordTTL(s *session.Session) time.Duration {
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}

// Create persists a new record with NX semantics and indexes it.
func (r *RedisStore) Create(ctx context.Context, s *session.Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, sessionKey(s.ID), payload, r.recordTTL(s)).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, userSessionsKey(s.UserID), s.ID)
	pipe.Expire(ctx, userSessionsKey(s.UserID), indexTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

// Get loads a live record. Keys removed by TTL read back as absent.
func (r *RedisStore) Get(ctx context.Context, id string) (*session.Session, error) {
	raw, err := r.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s session.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.Expired(r.now()) {
		return nil, ErrNotFound
	}
	return &s, nil
}

// QueryByUser joins the index set against the primary keys with one MGET.
// Ids whose record key is gone indicate TTL expiry and are skipped.
func (r *RedisStore) QueryByUser(ctx context.Context, userID string, opts QueryOptions) (*UserSessions, error) {
	ids, err := r.rdb.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if len(ids) == 0 {
		return &UserSessions{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	now := r.now()
	var live []*session.Session
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired or pruned between SMEMBERS and MGET
		}
		var s session.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		if s.Expired(now) && !opts.IncludeExpired {
			continue
		}
		if s.Expired(now) {
			s.Status = session.StatusExpired
		}
		live = append(live, &s)
	}
	return splitByRole(live, opts.perRole()), nil
}

// CASUpdate reads the current record, applies mutate to the decoded copy,
// and swaps it with the version-checking script. The read and the swap are
// separate round trips; the script is the linearization point.
func (r *RedisStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*session.Session, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Summary.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	now := r.now()
	next := current
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Summary.Version = expectedVersion + 1
	next.Summary.LastUpdated = now
	next.Touch(now)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	res, err := casScript.Run(ctx, r.rdb,
		[]string{sessionKey(id)},
		expectedVersion,
		payload,
		r.recordTTL(next).Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("cas update: %w", err)
	}
	switch res {
	case 1:
		return next, nil
	case 0:
		return nil, ErrVersionConflict
	default:
		return nil, ErrNotFound
	}
}

// AppendHistory pushes one message onto the session's history list and
// slides the list TTL.
func (r *RedisStore) AppendHistory(ctx context.Context, id string, msg session.HistoryMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal history message: %w", err)
	}
	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, historyKey(id), payload)
	pipe.Expire(ctx, historyKey(id), historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ReadHistory returns the tail of the history list in stored order.
func (r *RedisStore) ReadHistory(ctx context.Context, id string, limit int) ([]session.HistoryMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raws, err := r.rdb.LRange(ctx, historyKey(id), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	msgs := make([]session.HistoryMessage, 0, len(raws))
	for _, raw := range raws {
		var m session.HistoryMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// PruneExpired cursor-scans the index sets and removes members whose
// record key no longer exists.
func (r *RedisStore) PruneExpired(ctx context.Context) (int, error) {
	pruned := 0
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, userSessionsKeyPrefix+"*", 100).Result()
		if err != nil {
			return pruned, fmt.Errorf("scan session index: %w", err)
		}
		for _, setKey := range keys {
			ids, err := r.rdb.SMembers(ctx, setKey).Result()
			if err != nil {
				return pruned, fmt.Errorf("read session index: %w", err)
			}
			for _, id := range ids {
				exists, err := r.rdb.Exists(ctx, sessionKey(id)).Result()
				if err != nil {
					return pruned, fmt.Errorf("check session key: %w", err)
				}
				if exists == 0 {
					if err := r.rdb.SRem(ctx, setKey, id).Err(); err != nil {
						return pruned, fmt.Errorf("prune session index: %w", err)
					}
					pruned++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return pruned, nil
		}
	}
}
