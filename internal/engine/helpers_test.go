package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"taskd/internal/domain"

	"github.com/stretchr/testify/require"
)

const testPoll = 5 * time.Millisecond

// fnRunner adapts a function to Runner.
type fnRunner struct {
	kind string
	gate string
	fn   func(ctx context.Context, t *Task) error
}

func (r fnRunner) Kind() string {
	if r.kind == "" {
		return "fnRunner"
	}
	return r.kind
}

func (r fnRunner) Gate() string { return r.gate }

func (r fnRunner) Run(ctx context.Context, t *Task) error { return r.fn(ctx, t) }

func sleepThenDone(d time.Duration) func(ctx context.Context, t *Task) error {
	return func(ctx context.Context, t *Task) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		t.SetProgress(100)
		t.Complete(nil)
		return nil
	}
}

func newTestTask(gate string, fn func(ctx context.Context, t *Task) error) *Task {
	return NewTask(fnRunner{gate: gate, fn: fn}, WithPollInterval(testPoll))
}

// gauge records the highest number of simultaneous holders.
type gauge struct {
	cur, max atomic.Int64
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }

func (g *gauge) wrap(d time.Duration) func(ctx context.Context, t *Task) error {
	return func(ctx context.Context, t *Task) error {
		g.enter()
		defer g.leave()
		return sleepThenDone(d)(ctx, t)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SchedulerTick = 20 * time.Millisecond
	cfg.SchedulerBackoff = 20 * time.Millisecond
	return cfg
}

func startManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := New(cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want domain.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := m.Get(id)
		return ok && v.Status == want
	}, 5*time.Second, 2*time.Millisecond, "task %s never reached %s", id, want)
}

// collect drains a task subscription until it closes.
func collect(t *testing.T, updates <-chan domain.TaskUpdate) []domain.TaskUpdate {
	t.Helper()
	var out []domain.TaskUpdate
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatalf("subscription did not close, got %d updates", len(out))
			return out
		}
	}
}
