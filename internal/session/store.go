package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store holds the sliding turn window for each session. Implementations
// must keep at most window turns per session, dropping the oldest.
type Store interface {
	Append(ctx context.Context, sessionID string, turn Turn, window int) error
	Turns(ctx context.Context, sessionID string) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// memoryStore is the default in-process store. Windows do not survive a
// restart.
type memoryStore struct {
	mu    sync.RWMutex
	turns map[string][]Turn
}

func newMemoryStore() *memoryStore {
	return &memoryStore{turns: make(map[string][]Turn)}
}

func (m *memoryStore) Append(_ context.Context, sessionID string, turn Turn, window int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := append(m.turns[sessionID], turn)
	if window > 0 && len(turns) > window {
		turns = append([]Turn(nil), turns[len(turns)-window:]...)
	}
	m.turns[sessionID] = turns
	return nil
}

func (m *memoryStore) Turns(_ context.Context, sessionID string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Turn(nil), m.turns[sessionID]...), nil
}

func (m *memoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	return nil
}

func (m *memoryStore) Close() error { return nil }

// redisStore keeps each session window in a Redis list so multiple engine
// instances can share sessions.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func newRedisStore(addr string, logger *zap.Logger) (*redisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return &redisStore{client: client, ttl: 24 * time.Hour, logger: logger}, nil
}

func turnsKey(sessionID string) string {
	return "session:" + sessionID + ":turns"
}

func (r *redisStore) Append(ctx context.Context, sessionID string, turn Turn, window int) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	key := turnsKey(sessionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if window > 0 {
		pipe.LTrim(ctx, key, int64(-window), -1)
	}
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (r *redisStore) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	vals, err := r.client.LRange(ctx, turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	turns := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var t Turn
		if jerr := json.Unmarshal([]byte(v), &t); jerr != nil {
			r.logger.Warn("skipping malformed turn", zap.Error(jerr))
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (r *redisStore) Clear(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, turnsKey(sessionID)).Err()
}

func (r *redisStore) Close() error { return r.client.Close() }
