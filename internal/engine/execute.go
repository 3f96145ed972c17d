package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// IncompleteError is recorded when a runner returns without marking the
// task done or failed.
type IncompleteError struct{}

func (IncompleteError) Error() string { return "task did not signal completion" }

// PanicError wraps a value recovered from a panicking runner.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// execute runs the task body on its own goroutine and polls the task for
// observable changes every poll interval until the body returns. Polling
// keeps runners free of any notification plumbing: they only call setters.
//
// When ctx is cancelled execute returns without waiting for the body; a
// body that ignores its context is left to finish on its own.
func (t *Task) execute(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- runGuarded(ctx, t) }()

	hook, _ := t.runner.(ProgressHooker)
	last := t.observe()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	var err error
wait:
	for {
		select {
		case err = <-done:
			break wait
		case <-ctx.Done():
			select {
			case err = <-done:
			default:
				err = ctx.Err()
			}
			break wait
		case <-ticker.C:
			if hook != nil && !t.callHook(ctx, hook) {
				hook = nil
			}
			// the terminal update goes out only after the body returns
			if cur := t.observe(); cur != last && !cur.status.Terminal() {
				t.notify()
				last = cur
			}
		}
	}

	switch {
	case err != nil:
		t.forceFailed(errorTypeName(err), err.Error(), traceOf(err))
	case !t.Status().Terminal():
		err = IncompleteError{}
		t.forceFailed(errorTypeName(err), err.Error(), traceOf(err))
	}
	t.stampCompleted(time.Now())
	t.notify()

	if err == nil {
		if typ, msg, _ := t.Error(); typ != "" {
			err = fmt.Errorf("%s: %s", typ, msg)
		}
	}
	return err
}

// callHook runs the progress hook on the supervising goroutine. A hook that
// panics is reported and false is returned; the body keeps running.
func (t *Task) callHook(ctx context.Context, hook ProgressHooker) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			log.Ctx(ctx).Warn().Interface("panic", v).Str("task_id", t.id).Msg("progress hook panicked, disabling it")
			ok = false
		}
	}()
	hook.ProgressHook(t)
	return true
}

func runGuarded(ctx context.Context, t *Task) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return t.runner.Run(ctx, t)
}

// errorTypeName returns the bare concrete type name of err, without
// package path or pointer marker.
func errorTypeName(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return "PanicError"
	}
	name := strings.TrimLeft(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func traceOf(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return string(pe.Stack)
	}
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %s\n", e, e.Error())
	}
	return b.String()
}
