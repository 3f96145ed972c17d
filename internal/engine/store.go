package engine

import (
	"sort"
	"sync"

	"taskd/internal/domain"
)

// store is the single authority on which tasks exist. Entries keep their
// insertion sequence so listings are stable.
type store struct {
	mu    sync.RWMutex
	tasks map[string]storeEntry
	seq   uint64
}

type storeEntry struct {
	task *Task
	seq  uint64
}

func newStore() *store {
	return &store{tasks: map[string]storeEntry{}}
}

func (s *store) put(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tasks[t.ID()]; ok {
		e.task = t
		s.tasks[t.ID()] = e
		return
	}
	s.seq++
	s.tasks[t.ID()] = storeEntry{task: t, seq: s.seq}
}

func (s *store) get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	return e.task, ok
}

func (s *store) remove(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	return e.task, ok
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// all returns the stored tasks in insertion order.
func (s *store) all() []*Task {
	s.mu.RLock()
	entries := make([]storeEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*Task, len(entries))
	for i, e := range entries {
		out[i] = e.task
	}
	return out
}

// prune drops done tasks beyond the retain most recently completed ones.
// Done tasks without a completion time are always dropped; failed, queued
// and running tasks are never touched. It returns the removed ids.
func (s *store) prune(retain int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type doneTask struct {
		id string
		at int64
	}
	var valid []doneTask
	var removed []string
	for id, e := range s.tasks {
		if e.task.Status() != domain.StatusDone {
			continue
		}
		at := e.task.CompletedAt()
		if at.IsZero() {
			removed = append(removed, id)
			continue
		}
		valid = append(valid, doneTask{id: id, at: at.UnixNano()})
	}

	if len(valid) > retain {
		sort.Slice(valid, func(i, j int) bool { return valid[i].at > valid[j].at })
		for _, d := range valid[retain:] {
			removed = append(removed, d.id)
		}
	}
	for _, id := range removed {
		delete(s.tasks, id)
	}
	return removed
}
