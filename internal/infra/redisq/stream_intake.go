package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"taskd/internal/domain"
	"taskd/internal/ports"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ ports.Intake = (*Client)(nil)

// Enqueue appends a request to the intake stream. Producers outside this
// process do the same with XADD <stream> * task <json>.
func (c *Client) Enqueue(ctx context.Context, req domain.Request) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.StreamKey,
		Values: map[string]interface{}{"task": b},
	}).Result()
}

func (c *Client) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Request, string, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.cfg.StreamKey, ">"},
		Count:    1,
		Block:    block,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, "", nil
	}

	msg := res[0].Messages[0]
	req, err := decodeRequest(msg.Values["task"])
	if err != nil {
		return nil, msg.ID, &domain.MalformedMessageError{MessageID: msg.ID, Raw: fmt.Sprint(msg.Values["task"]), Err: err}
	}
	return req, msg.ID, nil
}

func decodeRequest(raw any) (*domain.Request, error) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	case nil:
		return nil, errors.New("missing task field")
	default:
		return nil, fmt.Errorf("unexpected task type: %T", v)
	}

	var req domain.Request
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, err
	}
	if req.Kind == "" {
		return nil, errors.New("missing kind")
	}
	return &req, nil
}

func (c *Client) Ack(ctx context.Context, messageID string) error {
	return c.rdb.XAck(ctx, c.cfg.StreamKey, c.cfg.Group, messageID).Err()
}

func (c *Client) ToDLQ(ctx context.Context, messageID string, raw string, reason string) error {
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStreamKey,
		Values: map[string]interface{}{
			"task":       raw,
			"reason":     reason,
			"message_id": messageID,
		},
	}).Err(); err != nil {
		return err
	}
	return c.Ack(ctx, messageID)
}
