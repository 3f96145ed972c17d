package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"taskd/internal/domain"
	"taskd/internal/engine"

	"github.com/google/uuid"
)

// Factory builds a runner from string parameters.
type Factory func(params map[string]string) (engine.Runner, error)

// Registry maps task kinds to factories so requests arriving over HTTP or
// the intake stream can be turned into tasks.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	poll      time.Duration
}

func NewRegistry(poll time.Duration) *Registry {
	return &Registry{factories: map[string]Factory{}, poll: poll}
}

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build turns a request into a queued task.
func (r *Registry) Build(req domain.Request) (*engine.Task, error) {
	r.mu.RLock()
	f, ok := r.factories[req.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, req.Kind)
	}

	runner, err := f(req.Params)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", req.Kind, err)
	}

	opts := []engine.Option{engine.WithPollInterval(r.poll)}
	if req.Gate != "" {
		opts = append(opts, engine.WithGate(req.Gate))
	}
	if req.Heading != "" {
		opts = append(opts, engine.WithHeading(req.Heading))
	}
	return engine.NewTask(runner, opts...), nil
}

// Default returns a registry with the bundled example kinds.
func Default(poll time.Duration) *Registry {
	r := NewRegistry(poll)
	r.Register(ExampleCPUTask{}.Kind(), func(p map[string]string) (engine.Runner, error) {
		startUp, err := durationParam(p, "start_up", 3*time.Second)
		if err != nil {
			return nil, err
		}
		step, err := durationParam(p, "step_sleep", 100*time.Millisecond)
		if err != nil {
			return nil, err
		}
		name := p["name"]
		if name == "" {
			name = "Example Task"
		}
		return ExampleCPUTask{Name: name, StartUp: startUp, StepSleep: step}, nil
	})
	r.Register(ExampleIOTask{}.Kind(), func(p map[string]string) (engine.Runner, error) {
		step, err := durationParam(p, "step_sleep", 20*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return ExampleIOTask{
			ProgressFile: filepath.Join(os.TempDir(), "task-progress-"+uuid.NewString()+".txt"),
			StepSleep:    step,
		}, nil
	})
	r.Register(SleepTask{}.Kind(), func(p map[string]string) (engine.Runner, error) {
		d, err := durationParam(p, "duration", time.Second)
		if err != nil {
			return nil, err
		}
		return SleepTask{Duration: d, FailWith: p["fail_with"]}, nil
	})
	return r
}

// durationParam accepts Go durations ("250ms") or plain seconds ("1.5").
func durationParam(p map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s: invalid duration %q", key, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
