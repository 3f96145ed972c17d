package redisq

import (
	"context"
	"taskd/internal/domain"
	"taskd/internal/ports"
)

var _ ports.StateMirror = (*Client)(nil)

func (c *Client) stateKey(id string) string {
	return c.cfg.StateKeyPrefix + id
}

// SaveState writes a task snapshot as a hash. The mirror is write-only:
// nothing is ever restored from it.
func (c *Client) SaveState(ctx context.Context, t domain.TaskView) error {
	return c.rdb.HSet(ctx, c.stateKey(t.TaskID), stateFields(t)).Err()
}

func (c *Client) RemoveState(ctx context.Context, taskID string) error {
	return c.rdb.Del(ctx, c.stateKey(taskID)).Err()
}

func stateFields(t domain.TaskView) map[string]any {
	m := map[string]any{
		"task_id":   t.TaskID,
		"task_type": t.TaskType,
		"status":    string(t.Status),
		"progress":  t.Progress,
	}
	opt := map[string]*string{
		"parent_id":     t.ParentID,
		"heading":       t.Heading,
		"body":          t.Body,
		"image":         t.Image,
		"started_at":    t.StartedAt,
		"completed_at":  t.CompletedAt,
		"error_type":    t.ErrorType,
		"error_message": t.ErrorMessage,
	}
	for k, v := range opt {
		if v != nil {
			m[k] = *v
		}
	}
	return m
}
