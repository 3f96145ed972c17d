package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskd/internal/domain"
	"taskd/internal/ports"
	"taskd/pkg/backoff"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

var _ ports.Scheduler = (*Scheduler)(nil)

const maxSchedulerBackoff = time.Minute

type recurring struct {
	id            string
	cronExpr      string
	schedule      cron.Schedule
	template      *Task
	maxConcurrent int
	enabled       bool
	// clones submitted and not yet settled
	inFlight map[string]struct{}

	nextRun             time.Time
	lastRun             time.Time
	totalRuns           int
	totalFailures       int
	consecutiveFailures int
	createdAt           time.Time
}

func (r *recurring) view() domain.RecurringView {
	v := domain.RecurringView{
		RecurringID:         r.id,
		CronExpression:      r.cronExpr,
		TaskType:            r.template.Kind(),
		MaxConcurrent:       r.maxConcurrent,
		Enabled:             r.enabled,
		TotalRuns:           r.totalRuns,
		TotalFailures:       r.totalFailures,
		ConsecutiveFailures: r.consecutiveFailures,
		CreatedAt:           r.createdAt,
	}
	if !r.nextRun.IsZero() {
		next := r.nextRun
		v.NextRun = &next
	}
	if !r.lastRun.IsZero() {
		last := r.lastRun
		v.LastRun = &last
	}
	return v
}

// Scheduler re-submits clones of template tasks on cron schedules, keeping
// at most max_concurrent clones of each definition running.
type Scheduler struct {
	m        *Manager
	interval time.Duration
	backoff  time.Duration
	now      func() time.Time

	mu   sync.Mutex
	defs map[string]*recurring
}

func newScheduler(m *Manager, interval, backoff time.Duration) *Scheduler {
	return &Scheduler{
		m:        m,
		interval: interval,
		backoff:  backoff,
		now:      time.Now,
		defs:     map[string]*recurring{},
	}
}

func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", domain.ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// Register adds a definition and immediately submits its first instance.
func (s *Scheduler) Register(cronExpr string, template *Task, maxConcurrent int) (string, error) {
	if template == nil {
		return "", fmt.Errorf("recurring template is nil")
	}
	sched, err := parseCron(cronExpr)
	if err != nil {
		return "", err
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	now := s.now()
	def := &recurring{
		id:            uuid.NewString(),
		cronExpr:      cronExpr,
		schedule:      sched,
		template:      template,
		maxConcurrent: maxConcurrent,
		enabled:       true,
		inFlight:      map[string]struct{}{},
		nextRun:       sched.Next(now),
		createdAt:     now,
	}

	// submit under the lock so the clone cannot settle before it is tracked
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, err := s.m.Submit(template.Clone(def.id))
	if err != nil {
		return "", err
	}
	def.inFlight[taskID] = struct{}{}
	s.defs[def.id] = def
	return def.id, nil
}

func (s *Scheduler) Get(id string) (domain.RecurringView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return domain.RecurringView{}, false
	}
	return def.view(), true
}

// List returns all definitions ordered by creation time.
func (s *Scheduler) List() []domain.RecurringView {
	s.mu.Lock()
	out := make([]domain.RecurringView, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def.view())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RecurringID < out[j].RecurringID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Enable re-enables a definition. A definition coming back from disabled
// gets its next run recomputed from now, so overdue firings do not pile up.
func (s *Scheduler) Enable(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return false
	}
	if !def.enabled {
		def.enabled = true
		def.nextRun = def.schedule.Next(s.now())
	}
	return true
}

// Disable suppresses firing; next_run is left as it was.
func (s *Scheduler) Disable(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return false
	}
	def.enabled = false
	return true
}

func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[id]; !ok {
		return false
	}
	delete(s.defs, id)
	return true
}

// recordOutcome settles a finished clone and updates the failure counters.
func (s *Scheduler) recordOutcome(id, taskID string, status domain.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return
	}
	delete(def.inFlight, taskID)
	switch status {
	case domain.StatusFailed:
		def.totalFailures++
		def.consecutiveFailures++
	case domain.StatusDone:
		def.consecutiveFailures = 0
	}
}

// forget settles a clone that will never run, such as one deleted while
// queued.
func (s *Scheduler) forget(id, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def, ok := s.defs[id]; ok {
		delete(def.inFlight, taskID)
	}
}

// Run ticks until ctx is cancelled. A tick that fails as a whole is
// followed by a backoff before the next attempt.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := log.With().Str("component", "scheduler").Logger()
	ctx = logger.WithContext(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := s.safeTick(ctx, s.now()); err != nil {
			failures++
			wait := backoff.ExponentialJitter(s.backoff, maxSchedulerBackoff, failures)
			logger.Error().Err(err).Dur("backoff", wait).Msg("scheduler tick failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context, now time.Time) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("scheduler tick panic: %v", v)
		}
	}()
	s.tick(ctx, now)
	return nil
}

// tick fires every enabled definition that is due and below its
// concurrency ceiling. A failure on one definition does not affect the
// others.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.defs))
	for id := range s.defs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := s.fire(id, now); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("recurring_id", id).Msg("recurring definition not fired")
		}
	}
}

func (s *Scheduler) fire(id string, now time.Time) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[id]
	if !ok || !def.enabled || def.nextRun.IsZero() || now.Before(def.nextRun) {
		return nil
	}
	// The ceiling counts queued clones as well as running ones, which is
	// stricter than counting running clones only: clones waiting on a
	// saturated gate cannot pile up. Clones deleted from the store while
	// running still count until their body returns.
	if len(def.inFlight) >= def.maxConcurrent {
		return nil
	}

	taskID, err := s.m.Submit(def.template.Clone(id))
	if err != nil {
		return err
	}
	def.inFlight[taskID] = struct{}{}
	def.lastRun = now
	def.totalRuns++
	def.nextRun = def.schedule.Next(now)
	return nil
}
