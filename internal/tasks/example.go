package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"taskd/internal/engine"
)

// ExampleCPUTask mimics a CPU-bound job: a start-up phase with
// indeterminate progress followed by a hundred steps. It holds the
// exclusive gate so only one runs at a time.
type ExampleCPUTask struct {
	Name      string
	StartUp   time.Duration
	StepSleep time.Duration
}

func (ExampleCPUTask) Kind() string { return "ExampleCPUTask" }
func (ExampleCPUTask) Gate() string { return "exclusive" }

func (e ExampleCPUTask) Fields() map[string]any {
	return map[string]any{"name": e.Name}
}

func (e ExampleCPUTask) Run(ctx context.Context, t *engine.Task) error {
	t.SetBody("This is an example task. It reports progress in a hundred steps.")
	t.SetHeading("Starting up...")
	t.SetProgress(-1)
	if err := sleep(ctx, e.StartUp); err != nil {
		return err
	}

	t.SetHeading(e.Name)
	for i := 0; i < 100; i++ {
		t.SetProgress(i)
		if err := sleep(ctx, e.StepSleep); err != nil {
			return err
		}
	}

	t.SetProgress(100)
	t.SetBody("Task completed successfully!")
	t.Complete(nil)
	return nil
}

// ExampleIOTask writes its progress to a file and reads it back through its
// progress hook, the way a wrapped external tool would report. Several can
// run at once on the shared gate.
type ExampleIOTask struct {
	ProgressFile string
	StepSleep    time.Duration
}

func (ExampleIOTask) Kind() string { return "ExampleIOTask" }
func (ExampleIOTask) Gate() string { return "shared" }

func (e ExampleIOTask) Fields() map[string]any {
	return map[string]any{"progress_file": e.ProgressFile}
}

// ProgressHook keeps the current progress when the file is missing or
// unreadable.
func (e ExampleIOTask) ProgressHook(t *engine.Task) {
	b, err := os.ReadFile(e.ProgressFile)
	if err != nil {
		return
	}
	p, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return
	}
	t.SetProgress(p)
}

func (e ExampleIOTask) Run(ctx context.Context, t *engine.Task) error {
	t.SetHeading("Progress Hook Example Task")
	t.SetBody("Progress is written to a file and read back by the progress hook.")
	defer os.Remove(e.ProgressFile)

	for i := 0; i < 100; i++ {
		if err := os.WriteFile(e.ProgressFile, []byte(strconv.Itoa(i)), 0o644); err != nil {
			return fmt.Errorf("write progress: %w", err)
		}
		if err := sleep(ctx, e.StepSleep); err != nil {
			return err
		}
	}
	if err := os.WriteFile(e.ProgressFile, []byte("100"), 0o644); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}

	t.SetProgress(100)
	t.SetBody("Task completed successfully!")
	t.Complete(nil)
	return nil
}

// Clone gives each recurring instance its own progress file.
func (e ExampleIOTask) Clone() engine.Runner {
	dir, base := filepath.Split(e.ProgressFile)
	ext := filepath.Ext(base)
	e.ProgressFile = filepath.Join(dir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), time.Now().UnixNano(), ext))
	return e
}

// SleepTask sleeps for Duration, then succeeds or fails with FailWith.
type SleepTask struct {
	Duration time.Duration
	FailWith string
}

func (SleepTask) Kind() string { return "SleepTask" }

func (s SleepTask) Fields() map[string]any {
	return map[string]any{"duration": s.Duration.String()}
}

func (s SleepTask) Run(ctx context.Context, t *engine.Task) error {
	t.SetProgress(0)
	if err := sleep(ctx, s.Duration); err != nil {
		return err
	}
	if s.FailWith != "" {
		return fmt.Errorf("%s", s.FailWith)
	}
	t.SetProgress(100)
	t.Complete(map[string]any{"slept": s.Duration.String()})
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
