package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efebarandurmaz/groundchat/internal/llm"
	"github.com/efebarandurmaz/groundchat/internal/observability"
)

// RedisConfig configures the Redis store.
type RedisConfig struct {
	URL      string
	MaxTurns int
	// TTL refreshes the session expiry on every append. Zero keeps sessions
	// until reset.
	TTL time.Duration
}

// RedisStore keeps each session in a Redis list.
type RedisStore struct {
	client *redis.Client
	bound  int
	ttl    time.Duration
}

// NewRedisStore connects lazily to the Redis server at cfg.URL.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("memory: parsing redis url: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), cfg.MaxTurns, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, maxTurns int, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, bound: Bound(maxTurns), ttl: ttl}
}

func (s *RedisStore) Append(ctx context.Context, owner, sessionID string, role llm.Role, content string) error {
	return s.push(ctx, "append", owner, sessionID, Turn{Role: role, Content: content})
}

func (s *RedisStore) AppendExchange(ctx context.Context, owner, sessionID, user, assistant string) error {
	return s.push(ctx, "append_exchange", owner, sessionID,
		Turn{Role: llm.RoleUser, Content: user},
		Turn{Role: llm.RoleAssistant, Content: assistant})
}

// push runs RPUSH, LTRIM and the optional EXPIRE in one MULTI/EXEC.
func (s *RedisStore) push(ctx context.Context, op, owner, sessionID string, turns ...Turn) (err error) {
	key, err := Key(owner, sessionID)
	if err != nil {
		return err
	}
	if err := validate(turns...); err != nil {
		return err
	}

	items := make([]any, len(turns))
	for i, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		items[i] = data
	}

	ctx, span := observability.StartMemorySpan(ctx, op, "redis")
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, items...)
		pipe.LTrim(ctx, key, int64(-s.bound), -1)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("memory: appending to %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, owner, sessionID string) (_ []Turn, err error) {
	key, err := Key(owner, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := observability.StartMemorySpan(ctx, "get", "redis")
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("memory: reading %s: %w", key, err)
	}
	turns := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var t Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("memory: decoding %s: %w", key, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) Reset(ctx context.Context, owner, sessionID string) error {
	key, err := Key(owner, sessionID)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("memory: deleting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Keys returns the number of keys in the selected database, for health
// reporting.
func (s *RedisStore) Keys(ctx context.Context) (int64, error) {
	return s.client.DBSize(ctx).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
