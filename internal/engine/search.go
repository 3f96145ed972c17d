package engine

import "reflect"

// Fields returns the searchable attributes of the task: the common
// projection plus anything the runner declares through Fielder. Runner
// fields never shadow the common ones.
func (t *Task) Fields() map[string]any {
	f := map[string]any{}
	if fr, ok := t.runner.(Fielder); ok {
		for k, v := range fr.Fields() {
			f[k] = v
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	f["task_id"] = t.id
	f["parent_id"] = nilIfEmpty(t.parentID)
	f["task_type"] = t.runner.Kind()
	f["status"] = string(t.status)
	f["progress"] = t.progress
	f["heading"] = nilIfEmpty(t.heading)
	f["body"] = nilIfEmpty(t.body)
	f["image"] = nilIfEmpty(t.image)
	f["semaphore_name"] = t.gate
	return f
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// matches reports whether every criterion names an attribute of the task
// with an equal value. Empty criteria match nothing.
func matches(t *Task, criteria map[string]any) bool {
	if len(criteria) == 0 {
		return false
	}
	fields := t.Fields()
	for k, want := range criteria {
		got, ok := fields[k]
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

// equalValue compares exactly, except that numbers of different Go types
// compare by value so criteria decoded from JSON (float64) match int
// fields.
func equalValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
