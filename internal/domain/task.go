package domain

import (
	"errors"
	"time"
)

type TaskStatus string

const (
	StatusQueued  TaskStatus = "queued"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusFailed  TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

var (
	ErrNotFound    = errors.New("not found")
	ErrStopped     = errors.New("task manager stopped")
	ErrUnknownKind = errors.New("unknown task kind")
	ErrInvalidCron = errors.New("invalid cron expression")
)

// TaskView is the wire form of a task, used both for listings and for
// updates pushed to task subscribers.
type TaskView struct {
	TaskID       string     `json:"task_id"`
	ParentID     *string    `json:"parent_id"`
	TaskType     string     `json:"task_type"`
	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"`
	Heading      *string    `json:"heading"`
	Body         *string    `json:"body"`
	Image        *string    `json:"image"`
	StartedAt    *string    `json:"started_at"`
	CompletedAt  *string    `json:"completed_at"`
	ErrorType    *string    `json:"error_type"`
	ErrorMessage *string    `json:"error_message"`
}

type TaskUpdate = TaskView

type QueueEventType string

const (
	QueueUpdated QueueEventType = "queue_updated"
	TaskAdded    QueueEventType = "task_added"
	TaskRemoved  QueueEventType = "task_removed"
)

type QueueEvent struct {
	Type   QueueEventType `json:"type"`
	Task   *TaskView      `json:"task,omitempty"`
	TaskID string         `json:"task_id,omitempty"`
}

type RecurringView struct {
	RecurringID         string     `json:"recurring_id"`
	CronExpression      string     `json:"cron_expression"`
	TaskType            string     `json:"task_type"`
	MaxConcurrent       int        `json:"max_concurrent"`
	Enabled             bool       `json:"enabled"`
	NextRun             *time.Time `json:"next_run"`
	LastRun             *time.Time `json:"last_run"`
	TotalRuns           int        `json:"total_runs"`
	TotalFailures       int        `json:"total_failures"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CreatedAt           time.Time  `json:"created_at"`
}

type GateView struct {
	Name     string `json:"name"`
	Capacity int64  `json:"capacity"`
	InUse    int64  `json:"in_use"`
}

// Request describes a task to build from the kind registry, as received
// over HTTP or the Redis intake stream.
type Request struct {
	Kind    string            `json:"kind"`
	Params  map[string]string `json:"params"`
	Heading string            `json:"heading,omitempty"`
	Gate    string            `json:"gate,omitempty"`
}

// ISO formats t for the wire, nil when t is unset.
func ISO(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func OptString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MalformedMessageError is returned by an intake for a message that could
// not be decoded into a Request.
type MalformedMessageError struct {
	MessageID string
	Raw       string
	Err       error
}

func (e *MalformedMessageError) Error() string {
	return "malformed message " + e.MessageID + ": " + e.Err.Error()
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }
