package usecase

import (
	"context"
	"taskd/internal/domain"
	"taskd/internal/ports"
	"time"

	"github.com/rs/zerolog/log"
)

type QueueSource interface {
	SubscribeQueue() ([]domain.TaskView, <-chan domain.QueueEvent, func())
	List() []domain.TaskView
}

// Mirror copies task snapshots to a StateMirror: membership changes as they
// happen, and every task's current state once per Interval. Entries it wrote
// for tasks missing from a later snapshot are removed, so removals missed
// while resubscribing do not linger.
type Mirror struct {
	Src      QueueSource
	Dst      ports.StateMirror
	Interval time.Duration
}

func (m Mirror) Run(ctx context.Context) error {
	logger := log.With().Str("component", "mirror").Logger()
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}

	known := map[string]struct{}{}
	snapshot, events, cancel := m.Src.SubscribeQueue()
	defer func() { cancel() }()
	m.reconcile(ctx, snapshot, known)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				// dropped or manager stopped; resubscribe from a fresh snapshot
				if ctx.Err() != nil {
					return ctx.Err()
				}
				cancel()
				snapshot, events, cancel = m.Src.SubscribeQueue()
				m.reconcile(ctx, snapshot, known)
				continue
			}
			var err error
			switch ev.Type {
			case domain.TaskAdded:
				known[ev.Task.TaskID] = struct{}{}
				err = m.Dst.SaveState(ctx, *ev.Task)
			case domain.TaskRemoved:
				if err = m.Dst.RemoveState(ctx, ev.TaskID); err == nil {
					delete(known, ev.TaskID)
				}
			}
			if err != nil {
				logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("mirror write failed")
			}
		case <-ticker.C:
			m.reconcile(ctx, m.Src.List(), known)
		}
	}
}

// reconcile saves every view and removes the known entries absent from views.
// Entries whose removal fails stay known and are retried next time.
func (m Mirror) reconcile(ctx context.Context, views []domain.TaskView, known map[string]struct{}) {
	current := make(map[string]struct{}, len(views))
	for _, v := range views {
		current[v.TaskID] = struct{}{}
		known[v.TaskID] = struct{}{}
		if err := m.Dst.SaveState(ctx, v); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("task_id", v.TaskID).Msg("mirror write failed")
			return
		}
	}
	for id := range known {
		if _, ok := current[id]; ok {
			continue
		}
		if err := m.Dst.RemoveState(ctx, id); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("task_id", id).Msg("mirror remove failed")
			return
		}
		delete(known, id)
	}
}
