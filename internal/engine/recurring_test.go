package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"taskd/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func children(m *Manager, parentID string) []domain.TaskView {
	var out []domain.TaskView
	for _, v := range m.List() {
		if v.ParentID != nil && *v.ParentID == parentID {
			out = append(out, v)
		}
	}
	return out
}

func TestRecurring_InvalidCron(t *testing.T) {
	m := New(testConfig())
	_, err := m.RegisterRecurring("not a cron", newTestTask("", sleepThenDone(0)), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidCron)
	assert.Empty(t, m.ListRecurring())
	assert.Empty(t, m.List())
}

func TestRecurring_RegisterSubmitsFirstInstance(t *testing.T) {
	m := New(testConfig())
	template := newTestTask("", sleepThenDone(0))

	id, err := m.RegisterRecurring("*/5 * * * *", template, 0)
	require.NoError(t, err)

	kids := children(m, id)
	require.Len(t, kids, 1)
	assert.NotEqual(t, template.ID(), kids[0].TaskID)
	assert.Equal(t, domain.StatusQueued, kids[0].Status)

	v, ok := m.GetRecurring(id)
	require.True(t, ok)
	assert.Equal(t, "*/5 * * * *", v.CronExpression)
	assert.Equal(t, "fnRunner", v.TaskType)
	assert.Equal(t, 1, v.MaxConcurrent)
	assert.True(t, v.Enabled)
	assert.Equal(t, 0, v.TotalRuns)
	require.NotNil(t, v.NextRun)
	assert.True(t, v.NextRun.After(v.CreatedAt))
	assert.Nil(t, v.LastRun)
}

func TestRecurring_MaxConcurrent(t *testing.T) {
	m := New(testConfig())
	id, err := m.RegisterRecurring("* * * * *", newTestTask("", sleepThenDone(0)), 2)
	require.NoError(t, err)

	now := time.Now()
	for i := 1; i <= 4; i++ {
		require.NoError(t, m.sched.fire(id, now.Add(time.Duration(i)*2*time.Minute)))
	}

	assert.Len(t, children(m, id), 2)
	v, _ := m.GetRecurring(id)
	assert.Equal(t, 1, v.TotalRuns)
	require.NotNil(t, v.LastRun)
}

func TestRecurring_NotDueDoesNotFire(t *testing.T) {
	m := New(testConfig())
	id, err := m.RegisterRecurring("0 0 1 1 *", newTestTask("", sleepThenDone(0)), 5)
	require.NoError(t, err)

	require.NoError(t, m.sched.fire(id, time.Now()))
	assert.Len(t, children(m, id), 1)
}

func TestRecurring_DisableAndEnable(t *testing.T) {
	m := New(testConfig())
	base := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	m.sched.now = func() time.Time { return base }

	id, err := m.RegisterRecurring("0 * * * *", newTestTask("", sleepThenDone(0)), 5)
	require.NoError(t, err)
	v, _ := m.GetRecurring(id)
	assert.Equal(t, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), *v.NextRun)

	require.True(t, m.DisableRecurring(id))
	require.NoError(t, m.sched.fire(id, base.Add(3*time.Hour)))
	assert.Len(t, children(m, id), 1)

	v, _ = m.GetRecurring(id)
	assert.False(t, v.Enabled)
	assert.Equal(t, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), *v.NextRun)

	later := base.Add(5 * time.Hour)
	m.sched.now = func() time.Time { return later }
	require.True(t, m.EnableRecurring(id))
	v, _ = m.GetRecurring(id)
	assert.True(t, v.Enabled)
	assert.Equal(t, time.Date(2026, 1, 1, 16, 0, 0, 0, time.UTC), *v.NextRun)

	// enabling an enabled definition keeps its schedule
	m.sched.now = func() time.Time { return later.Add(2 * time.Hour) }
	require.True(t, m.EnableRecurring(id))
	v, _ = m.GetRecurring(id)
	assert.Equal(t, time.Date(2026, 1, 1, 16, 0, 0, 0, time.UTC), *v.NextRun)
}

func TestRecurring_RecordOutcome(t *testing.T) {
	m := New(testConfig())
	id, err := m.RegisterRecurring("0 * * * *", newTestTask("", sleepThenDone(0)), 1)
	require.NoError(t, err)

	m.sched.recordOutcome(id, "", domain.StatusFailed)
	m.sched.recordOutcome(id, "", domain.StatusFailed)
	v, _ := m.GetRecurring(id)
	assert.Equal(t, 2, v.TotalFailures)
	assert.Equal(t, 2, v.ConsecutiveFailures)

	m.sched.recordOutcome(id, "", domain.StatusDone)
	m.sched.recordOutcome(id, "", domain.StatusFailed)
	v, _ = m.GetRecurring(id)
	assert.Equal(t, 3, v.TotalFailures)
	assert.Equal(t, 1, v.ConsecutiveFailures)

	// unknown definitions are ignored
	m.sched.recordOutcome("missing", "", domain.StatusFailed)
}

func TestRecurring_UnknownAndRemove(t *testing.T) {
	m := New(testConfig())
	assert.False(t, m.EnableRecurring("missing"))
	assert.False(t, m.DisableRecurring("missing"))
	assert.False(t, m.RemoveRecurring("missing"))
	_, ok := m.GetRecurring("missing")
	assert.False(t, ok)

	first, err := m.RegisterRecurring("0 * * * *", newTestTask("", sleepThenDone(0)), 1)
	require.NoError(t, err)
	second, err := m.RegisterRecurring("30 * * * *", newTestTask("", sleepThenDone(0)), 1)
	require.NoError(t, err)

	list := m.ListRecurring()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].RecurringID)
	assert.Equal(t, second, list[1].RecurringID)

	assert.True(t, m.RemoveRecurring(first))
	assert.False(t, m.RemoveRecurring(first))
	require.Len(t, m.ListRecurring(), 1)
	assert.NoError(t, m.sched.fire(first, time.Now().Add(time.Hour)))
}

func TestRecurring_RunLoopFiresDueDefinitions(t *testing.T) {
	m := startManager(t, testConfig())

	id, err := m.RegisterRecurring("0 0 1 1 *", newTestTask("", sleepThenDone(0)), 5)
	require.NoError(t, err)

	m.sched.mu.Lock()
	m.sched.defs[id].nextRun = time.Now().Add(-time.Second)
	m.sched.mu.Unlock()

	require.Eventually(t, func() bool {
		v, _ := m.GetRecurring(id)
		return v.TotalRuns == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		kids := children(m, id)
		if len(kids) != 2 {
			return false
		}
		for _, k := range kids {
			if k.Status != domain.StatusDone {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	v, _ := m.GetRecurring(id)
	assert.True(t, v.NextRun.After(time.Now()))
	assert.Equal(t, 0, v.ConsecutiveFailures)
}

type flakyCloner struct {
	fnRunner
	clones *atomic.Int32
}

func (f flakyCloner) Clone() Runner {
	if f.clones.Add(1) > 1 {
		panic("clone exploded")
	}
	return f
}

func TestRecurring_PanickingDefinitionDoesNotBlockOthers(t *testing.T) {
	m := New(testConfig())

	var clones atomic.Int32
	bad, err := m.RegisterRecurring("* * * * *", NewTask(flakyCloner{
		fnRunner: fnRunner{fn: sleepThenDone(0)},
		clones:   &clones,
	}), 5)
	require.NoError(t, err)
	good, err := m.RegisterRecurring("* * * * *", newTestTask("", sleepThenDone(0)), 5)
	require.NoError(t, err)

	m.sched.tick(context.Background(), time.Now().Add(2*time.Minute))

	vb, _ := m.GetRecurring(bad)
	vg, _ := m.GetRecurring(good)
	assert.Equal(t, 0, vb.TotalRuns)
	assert.Equal(t, 1, vg.TotalRuns)
	assert.Len(t, children(m, good), 2)

	// the lock is released after the panic
	assert.True(t, m.DisableRecurring(bad))
}

// forceDue makes the definition due on every scheduler tick until stop is
// closed.
func forceDue(m *Manager, id string, stop <-chan struct{}) {
	for {
		m.sched.mu.Lock()
		if def, ok := m.sched.defs[id]; ok {
			def.nextRun = time.Now().Add(-time.Second)
		}
		m.sched.mu.Unlock()
		select {
		case <-stop:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRecurring_CeilingHoldsWhileClonesRun(t *testing.T) {
	m := startManager(t, testConfig())
	var g gauge

	id, err := m.RegisterRecurring("0 0 1 1 *", newTestTask("shared", g.wrap(200*time.Millisecond)), 2)
	require.NoError(t, err)

	stop := make(chan struct{})
	go forceDue(m, id, stop)
	time.Sleep(700 * time.Millisecond)
	close(stop)

	assert.LessOrEqual(t, g.max.Load(), int64(2))
	assert.Equal(t, int64(2), g.max.Load(), "ceiling never reached")

	v, _ := m.GetRecurring(id)
	assert.GreaterOrEqual(t, v.TotalRuns, 2)
	assert.Greater(t, len(children(m, id)), 2)
}

func TestRecurring_DeletedRunningCloneStillCounts(t *testing.T) {
	m := startManager(t, testConfig())
	release := make(chan struct{})
	blocker := func(ctx context.Context, task *Task) error {
		<-release
		task.Complete(nil)
		return nil
	}

	id, err := m.RegisterRecurring("* * * * *", newTestTask("", blocker), 1)
	require.NoError(t, err)

	kids := children(m, id)
	require.Len(t, kids, 1)
	waitStatus(t, m, kids[0].TaskID, domain.StatusRunning)
	require.True(t, m.Delete(kids[0].TaskID))

	require.NoError(t, m.sched.fire(id, time.Now().Add(2*time.Minute)))
	assert.Empty(t, children(m, id), "admitted a clone over the ceiling")

	close(release)
	require.Eventually(t, func() bool {
		_ = m.sched.fire(id, time.Now().Add(2*time.Minute))
		return len(children(m, id)) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecurring_CloneDeletedWhileQueuedIsReleased(t *testing.T) {
	m := New(testConfig())
	id, err := m.RegisterRecurring("* * * * *", newTestTask("", sleepThenDone(0)), 1)
	require.NoError(t, err)

	kids := children(m, id)
	require.Len(t, kids, 1)
	require.True(t, m.Delete(kids[0].TaskID))

	require.NoError(t, m.sched.fire(id, time.Now().Add(2*time.Minute)))
	assert.Empty(t, children(m, id), "queued clone still holds its slot until dequeued")

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool {
		_ = m.sched.fire(id, time.Now().Add(2*time.Minute))
		return len(children(m, id)) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
