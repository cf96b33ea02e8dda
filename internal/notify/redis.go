package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis defaults.
const (
	DefaultRedisStream = "remux:events"
	DefaultRedisMaxLen = 10_000
)

// RedisConfig configures the Redis Streams notifier.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Stream is the stream key events are appended to.
	Stream string
	// MaxLen caps the stream length (approximately).
	MaxLen      int64
	DialTimeout time.Duration
}

// streamAdder is the part of the Redis client the notifier uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Redis appends events to a Redis stream, one entry per event with the
// type, job ID and JSON body as fields.
type Redis struct {
	client streamAdder
	closer func() error
	stream string
	maxLen int64
}

// NewRedis connects to the configured Redis instance and verifies it with
// a PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("notify: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Username:    strings.TrimSpace(cfg.Username),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		MaxRetries:  2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: redis ping %s: %w", addr, err)
	}
	return newRedis(client, client.Close, cfg), nil
}

func newRedis(client streamAdder, closer func() error, cfg RedisConfig) *Redis {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultRedisStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultRedisMaxLen
	}
	return &Redis{client: client, closer: closer, stream: stream, maxLen: maxLen}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"type": ev.Type,
			"job":  ev.JobID,
			"data": string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("notify: xadd %s: %w", r.stream, err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
