package engine

import (
	"context"
	"sync"
	"time"

	"taskd/internal/domain"

	"github.com/google/uuid"
)

const (
	DefaultGate         = "default"
	DefaultPollInterval = 50 * time.Millisecond

	// update buffer per task subscriber; a subscriber that falls this far
	// behind is dropped.
	subscriberBuffer = 256
)

// Runner is the body of a task. Run executes synchronously on its own
// goroutine and must mark the task done (or failed) before returning nil.
type Runner interface {
	Kind() string
	Run(ctx context.Context, t *Task) error
}

// ProgressHooker is implemented by runners that read progress from an
// external source. The hook is invoked by the supervisor before every
// change check.
type ProgressHooker interface {
	ProgressHook(t *Task)
}

// Cloner is implemented by runners holding per-instance state that must not
// be shared between recurring clones.
type Cloner interface {
	Clone() Runner
}

// Fielder exposes kind-specific searchable attributes.
type Fielder interface {
	Fields() map[string]any
}

// GateSelector gives a kind its default gate.
type GateSelector interface {
	Gate() string
}

type Option func(*Task)

func WithGate(name string) Option {
	return func(t *Task) { t.gate = name }
}

func WithPollInterval(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

func WithParent(id string) Option {
	return func(t *Task) { t.parentID = id }
}

func WithHeading(s string) Option {
	return func(t *Task) { t.heading = s }
}

func WithBody(s string) Option {
	return func(t *Task) { t.body = s }
}

func WithImage(s string) Option {
	return func(t *Task) { t.image = s }
}

// Task is one schedulable, observable unit of work. Display fields are
// written by the runner's goroutine and read by the supervisor and by
// observers, so every accessor takes the task lock.
type Task struct {
	id           string
	parentID     string
	runner       Runner
	gate         string
	pollInterval time.Duration

	mu          sync.RWMutex
	status      domain.TaskStatus
	progress    int
	heading     string
	body        string
	image       string
	result      any
	startedAt   time.Time
	completedAt time.Time
	errType     string
	errMsg      string
	errTrace    string

	subs    map[uint64]chan domain.TaskUpdate
	nextSub uint64
}

func NewTask(r Runner, opts ...Option) *Task {
	t := &Task{
		id:           uuid.NewString(),
		runner:       r,
		gate:         DefaultGate,
		pollInterval: DefaultPollInterval,
		status:       domain.StatusQueued,
		subs:         map[uint64]chan domain.TaskUpdate{},
	}
	if gs, ok := r.(GateSelector); ok && gs.Gate() != "" {
		t.gate = gs.Gate()
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) ID() string                  { return t.id }
func (t *Task) ParentID() string            { return t.parentID }
func (t *Task) Kind() string                { return t.runner.Kind() }
func (t *Task) GateName() string            { return t.gate }
func (t *Task) PollInterval() time.Duration { return t.pollInterval }
func (t *Task) Runner() Runner              { return t.runner }

func (t *Task) Status() domain.TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) Progress() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

func (t *Task) StartedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startedAt
}

func (t *Task) CompletedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completedAt
}

func (t *Task) Result() any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// Error returns the recorded failure as type name, message and trace.
func (t *Task) Error() (typ, msg, trace string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errType, t.errMsg, t.errTrace
}

// SetProgress records progress. Values are not required to be monotonic;
// -1 means indeterminate.
func (t *Task) SetProgress(p int) {
	t.mu.Lock()
	t.progress = p
	t.mu.Unlock()
}

func (t *Task) SetHeading(s string) {
	t.mu.Lock()
	t.heading = s
	t.mu.Unlock()
}

func (t *Task) SetBody(s string) {
	t.mu.Lock()
	t.body = s
	t.mu.Unlock()
}

func (t *Task) SetImage(s string) {
	t.mu.Lock()
	t.image = s
	t.mu.Unlock()
}

// Complete marks the task done with an optional result payload. It is
// called by runners from inside Run.
func (t *Task) Complete(result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = domain.StatusDone
	t.result = result
}

// Fail marks the task failed from inside Run without returning an error.
func (t *Task) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.failLocked(errorTypeName(err), err.Error(), traceOf(err))
}

func (t *Task) failLocked(typ, msg, trace string) {
	t.status = domain.StatusFailed
	t.errType = typ
	t.errMsg = msg
	t.errTrace = trace
	t.completedAt = time.Time{}
}

// markRunning moves a queued task to running and stamps started_at. It
// reports false if the task is not queued.
func (t *Task) markRunning(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != domain.StatusQueued {
		return false
	}
	t.status = domain.StatusRunning
	t.startedAt = now
	return true
}

// forceFailed records a failure reported by the supervisor, overriding
// anything but an earlier failure.
func (t *Task) forceFailed(typ, msg, trace string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == domain.StatusFailed {
		return
	}
	t.failLocked(typ, msg, trace)
}

// stampCompleted sets completed_at exactly once, for done tasks only.
func (t *Task) stampCompleted(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == domain.StatusDone && t.completedAt.IsZero() {
		t.completedAt = now
	}
}

// observable is the subset of fields whose change triggers an update.
type observable struct {
	status   domain.TaskStatus
	progress int
	heading  string
	body     string
	image    string
}

func (t *Task) observe() observable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return observable{t.status, t.progress, t.heading, t.body, t.image}
}

func (t *Task) View() domain.TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.viewLocked()
}

func (t *Task) viewLocked() domain.TaskView {
	return domain.TaskView{
		TaskID:       t.id,
		ParentID:     domain.OptString(t.parentID),
		TaskType:     t.runner.Kind(),
		Status:       t.status,
		Progress:     t.progress,
		Heading:      domain.OptString(t.heading),
		Body:         domain.OptString(t.body),
		Image:        domain.OptString(t.image),
		StartedAt:    domain.ISO(t.startedAt),
		CompletedAt:  domain.ISO(t.completedAt),
		ErrorType:    domain.OptString(t.errType),
		ErrorMessage: domain.OptString(t.errMsg),
	}
}

// notify pushes the current state to every subscriber without blocking.
// Subscribers whose buffer is full are dropped, and all subscriptions end
// once a terminal state has been delivered.
func (t *Task) notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return
	}
	u := t.viewLocked()
	for id, ch := range t.subs {
		select {
		case ch <- u:
		default:
			close(ch)
			delete(t.subs, id)
			continue
		}
		if u.Status.Terminal() {
			close(ch)
			delete(t.subs, id)
		}
	}
}

// Subscribe returns a channel that first yields the current state and then
// every update until the task reaches a terminal status, at which point
// the channel is closed. cancel detaches the subscriber early.
func (t *Task) Subscribe() (updates <-chan domain.TaskUpdate, cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan domain.TaskUpdate, subscriberBuffer)
	u := t.viewLocked()
	ch <- u
	if u.Status.Terminal() {
		close(ch)
		return ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			close(c)
			delete(t.subs, id)
		}
	}
}

// Clone returns a fresh queued task with the same configuration, a new
// identity, the given parent and no subscribers.
func (t *Task) Clone(parentID string) *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := t.runner
	if c, ok := r.(Cloner); ok {
		r = c.Clone()
	}
	return &Task{
		id:           uuid.NewString(),
		parentID:     parentID,
		runner:       r,
		gate:         t.gate,
		pollInterval: t.pollInterval,
		status:       domain.StatusQueued,
		progress:     t.progress,
		heading:      t.heading,
		body:         t.body,
		image:        t.image,
		subs:         map[uint64]chan domain.TaskUpdate{},
	}
}
