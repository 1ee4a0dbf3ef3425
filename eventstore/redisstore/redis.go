// Package redisstore backs the event journal with Redis streams so a
// horizontally scaled deployment can resume SSE streams on any node.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relaykit/mcp-adapter-go/eventstore"
)

// Config for the Redis-backed event store. Defaults load via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=mcp:events:"`
	// MaxStreamLen caps each session stream (approximate trim).
	// ENV: EVENTS_MAX_STREAM_LEN
	MaxStreamLen int64 `env:"EVENTS_MAX_STREAM_LEN,default=256"`
}

// Store implements eventstore.Store on Redis streams.
type Store struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

var _ eventstore.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	maxLen := cfg.MaxStreamLen
	if maxLen <= 0 {
		maxLen = 256
	}
	return &Store{client: cl, keyPrefix: prefix, maxLen: maxLen}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) streamKey(sessionID string) string { return s.keyPrefix + "stream:" + sessionID }

func (s *Store) Append(ctx context.Context, sessionID string, data []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(sessionID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (s *Store) Subscribe(ctx context.Context, sessionID string, lastEventID string, handler eventstore.HandlerFunc) error {
	key := s.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		// Replay everything still retained, then follow.
		start = "0"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   16,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := handler(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

func (s *Store) Drop(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}
