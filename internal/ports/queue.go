package ports

import (
	"context"
	"taskd/internal/domain"
	"time"
)

// Intake is an external source of task requests.
type Intake interface {
	// Claim blocks up to block for the next request. A nil request with a
	// nil error means nothing arrived in time.
	Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Request, string /*messageID*/, error)
	Ack(ctx context.Context, messageID string) error
	// ToDLQ parks a message that could not be turned into a task.
	ToDLQ(ctx context.Context, messageID string, raw string, reason string) error
}

// StateMirror publishes task snapshots for external readers.
type StateMirror interface {
	SaveState(ctx context.Context, t domain.TaskView) error
	RemoveState(ctx context.Context, taskID string) error
}

type Scheduler interface {
	// fires due recurring definitions once per tick
	Run(ctx context.Context) error
}
