package redisq

import (
	"context"
	"fmt"
	"strings"
	"taskd/internal/config"
	"taskd/internal/ports"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	_ ports.Intake      = (*Client)(nil)
	_ ports.StateMirror = (*Client)(nil)
)

// Client is the Redis side of taskd. One connection pool serves the intake
// stream, its dead-letter stream and the task state hashes.
type Client struct {
	cfg config.Redis
	rdb *redis.Client
}

// New builds a client for cfg. It does not dial; call Connect or Init
// before use.
func New(cfg config.Redis) *Client {
	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis client configured")
	return &Client{
		cfg: cfg,
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// Connect pings the server. Producers such as the enqueue command need
// nothing more.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", c.cfg.Addr, err)
	}
	log.Ctx(ctx).Info().Str("addr", c.cfg.Addr).Msg("connected to redis")
	return nil
}

// Init connects and creates the intake stream and its consumer group. An
// existing group is kept along with its pending entries.
func (c *Client) Init(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	log.Ctx(ctx).Info().
		Str("stream", c.cfg.StreamKey).
		Str("group", c.cfg.Group).
		Str("dlq", c.cfg.DLQStreamKey).
		Msg("intake stream ready")
	return nil
}

func (c *Client) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.StreamKey, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.cfg.Group, c.cfg.StreamKey, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
