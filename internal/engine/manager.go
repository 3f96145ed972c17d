package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskd/internal/domain"

	"github.com/rs/zerolog/log"
)

var ErrAlreadySubmitted = errors.New("task already submitted")

type Config struct {
	// Workers is the size of the worker pool.
	Workers int
	// Gates maps gate name to capacity. A "default" gate is always present.
	Gates map[string]int
	// RetainDone is how many done tasks survive pruning.
	RetainDone int
	// SchedulerTick is the recurring scheduler's tick interval.
	SchedulerTick time.Duration
	// SchedulerBackoff is the base delay after a failed scheduler tick.
	SchedulerBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers: 20,
		Gates: map[string]int{
			"exclusive": 1,
			"shared":    10,
			DefaultGate: 3,
		},
		RetainDone:       10,
		SchedulerTick:    time.Second,
		SchedulerBackoff: 5 * time.Second,
	}
}

// Manager owns the task store, the work queue, the worker pool, the gates
// and the recurring scheduler. It must be started before tasks run and
// stopped on teardown.
type Manager struct {
	cfg   Config
	gates *Gates
	queue *workQueue
	store *store
	hub   *queueHub
	sched *Scheduler

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Gates == nil {
		cfg.Gates = def.Gates
	}
	if cfg.RetainDone < 0 {
		cfg.RetainDone = def.RetainDone
	}
	if cfg.SchedulerTick <= 0 {
		cfg.SchedulerTick = def.SchedulerTick
	}
	if cfg.SchedulerBackoff <= 0 {
		cfg.SchedulerBackoff = def.SchedulerBackoff
	}

	m := &Manager{
		cfg:   cfg,
		gates: NewGates(cfg.Gates),
		queue: newWorkQueue(),
		store: newStore(),
		hub:   newQueueHub(),
	}
	m.sched = newScheduler(m, cfg.SchedulerTick, cfg.SchedulerBackoff)
	return m
}

// Start launches the workers and the recurring scheduler. They run until
// Stop is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return domain.ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func(name string) {
			defer m.wg.Done()
			m.worker(ctx, name)
		}(fmt.Sprintf("worker-%d", i))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("scheduler stopped with error")
		}
	}()

	log.Info().Int("workers", m.cfg.Workers).Int("retain_done", m.cfg.RetainDone).Msg("task manager started")
	return nil
}

// Stop cancels the workers and the scheduler and waits for them to exit.
// Running task bodies see their context cancelled; Stop returns once they
// have returned. Queue observers are disconnected.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.hub.closeAll()
	log.Info().Int("unfinished", m.queue.pending()).Msg("task manager stopped")
}

// Submit queues a task and returns its id without waiting for it to run.
func (m *Manager) Submit(t *Task) (string, error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return "", domain.ErrStopped
	}
	if t.Status() != domain.StatusQueued {
		return "", fmt.Errorf("task %s is %s: %w", t.ID(), t.Status(), ErrAlreadySubmitted)
	}
	if _, ok := m.store.get(t.ID()); ok {
		return "", fmt.Errorf("task %s: %w", t.ID(), ErrAlreadySubmitted)
	}

	m.store.put(t)
	m.queue.push(t)

	v := t.View()
	m.hub.publish(domain.QueueEvent{Type: domain.TaskAdded, Task: &v})
	return t.ID(), nil
}

func (m *Manager) Task(id string) (*Task, bool) {
	return m.store.get(id)
}

func (m *Manager) Get(id string) (domain.TaskView, bool) {
	t, ok := m.store.get(id)
	if !ok {
		return domain.TaskView{}, false
	}
	return t.View(), true
}

func (m *Manager) List() []domain.TaskView {
	tasks := m.store.all()
	out := make([]domain.TaskView, len(tasks))
	for i, t := range tasks {
		out[i] = t.View()
	}
	return out
}

// Delete removes a task from the store. A queued task that is deleted is
// skipped by the workers; a running one keeps running unobserved.
func (m *Manager) Delete(id string) bool {
	if _, ok := m.store.remove(id); !ok {
		return false
	}
	m.hub.publish(domain.QueueEvent{Type: domain.TaskRemoved, TaskID: id})
	return true
}

// Search returns the ids of tasks whose attributes equal every criterion.
func (m *Manager) Search(criteria map[string]any) []string {
	ids := []string{}
	if len(criteria) == 0 {
		return ids
	}
	for _, t := range m.store.all() {
		if matches(t, criteria) {
			ids = append(ids, t.ID())
		}
	}
	return ids
}

// SubscribeTask streams updates of one task until it reaches a terminal
// status. ok is false when the task does not exist.
func (m *Manager) SubscribeTask(id string) (updates <-chan domain.TaskUpdate, cancel func(), ok bool) {
	t, ok := m.store.get(id)
	if !ok {
		return nil, nil, false
	}
	updates, cancel = t.Subscribe()
	return updates, cancel, true
}

// SubscribeQueue returns the current task list and a stream of queue
// membership changes. The subscription is registered before the snapshot
// is taken, so an event may repeat what the snapshot already shows.
func (m *Manager) SubscribeQueue() (snapshot []domain.TaskView, events <-chan domain.QueueEvent, cancel func()) {
	events, cancel = m.hub.subscribe()
	return m.List(), events, cancel
}

func (m *Manager) Gates() []domain.GateView {
	return m.gates.Stats()
}

// QueueLen is the number of tasks waiting for a worker.
func (m *Manager) QueueLen() int {
	return m.queue.len()
}

// RegisterRecurring adds a cron-driven definition cloning template and
// submits its first instance right away.
func (m *Manager) RegisterRecurring(cronExpr string, template *Task, maxConcurrent int) (string, error) {
	return m.sched.Register(cronExpr, template, maxConcurrent)
}

func (m *Manager) GetRecurring(id string) (domain.RecurringView, bool) {
	return m.sched.Get(id)
}

func (m *Manager) ListRecurring() []domain.RecurringView {
	return m.sched.List()
}

func (m *Manager) EnableRecurring(id string) bool {
	return m.sched.Enable(id)
}

func (m *Manager) DisableRecurring(id string) bool {
	return m.sched.Disable(id)
}

func (m *Manager) RemoveRecurring(id string) bool {
	return m.sched.Remove(id)
}
