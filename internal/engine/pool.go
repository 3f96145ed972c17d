package engine

import (
	"context"
	"fmt"
	"time"

	"taskd/internal/domain"

	"github.com/rs/zerolog/log"
)

// worker pulls tasks off the work queue until ctx is cancelled.
func (m *Manager) worker(ctx context.Context, name string) {
	logger := log.With().Str("component", "worker").Str("worker", name).Logger()
	ctx = logger.WithContext(ctx)

	for {
		t, err := m.queue.pop(ctx)
		if err != nil {
			logger.Debug().Msg("worker stopped")
			return
		}
		m.dispatch(ctx, t)
	}
}

// dispatch runs one task under its gate. Faults outside the task body are
// logged and swallowed so the worker keeps serving.
func (m *Manager) dispatch(ctx context.Context, t *Task) {
	logger := log.Ctx(ctx).With().Str("task_id", t.ID()).Str("task_type", t.Kind()).Logger()
	defer m.queue.done()
	defer func() {
		if v := recover(); v != nil {
			logger.Error().Interface("panic", v).Msg("worker fault while dispatching task")
			if !t.Status().Terminal() && t.Status() != domain.StatusQueued {
				t.forceFailed("WorkerFault", fmt.Sprint(v), "")
				t.notify()
			}
			if t.ParentID() != "" {
				m.sched.recordOutcome(t.ParentID(), t.ID(), t.Status())
			}
		}
	}()

	if _, ok := m.store.get(t.ID()); !ok {
		logger.Debug().Msg("task removed before dispatch, skipping")
		if t.ParentID() != "" {
			m.sched.forget(t.ParentID(), t.ID())
		}
		return
	}

	release, err := m.gates.Acquire(ctx, t.GateName())
	if err != nil {
		// shutting down while waiting for a slot; the task stays queued
		return
	}
	defer release()

	if !t.markRunning(time.Now()) {
		logger.Warn().Str("status", string(t.Status())).Msg("task not queued, skipping")
		if t.ParentID() != "" {
			m.sched.forget(t.ParentID(), t.ID())
		}
		return
	}
	t.notify()

	logger.Debug().Str("gate", m.gates.Resolve(t.GateName())).Msg("task started")
	if err := t.execute(ctx); err != nil {
		logger.Warn().Err(err).Msg("task failed")
	} else {
		logger.Debug().Msg("task done")
	}

	m.finished(t)
}

// finished runs the post-execution bookkeeping: recurring outcome counters
// and, after a success, pruning of old done tasks.
func (m *Manager) finished(t *Task) {
	status := t.Status()
	if t.ParentID() != "" {
		m.sched.recordOutcome(t.ParentID(), t.ID(), status)
	}
	if status != domain.StatusDone {
		return
	}
	for _, id := range m.store.prune(m.cfg.RetainDone) {
		m.hub.publish(domain.QueueEvent{Type: domain.TaskRemoved, TaskID: id})
	}
}
