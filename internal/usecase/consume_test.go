package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskd/internal/domain"
	"taskd/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type claim struct {
	req *domain.Request
	id  string
	err error
}

type dead struct {
	id, raw, reason string
}

// fakeIntake hands out scripted claims, then blocks until ctx is done.
type fakeIntake struct {
	claims chan claim

	mu    sync.Mutex
	acked []string
	dlq   []dead
}

func newFakeIntake(claims ...claim) *fakeIntake {
	f := &fakeIntake{claims: make(chan claim, len(claims))}
	for _, c := range claims {
		f.claims <- c
	}
	return f
}

func (f *fakeIntake) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Request, string, error) {
	select {
	case c := <-f.claims:
		return c.req, c.id, c.err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (f *fakeIntake) Ack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeIntake) ToDLQ(ctx context.Context, id, raw, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, dead{id: id, raw: raw, reason: reason})
	return nil
}

func (f *fakeIntake) snapshot() ([]string, []dead) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...), append([]dead(nil), f.dlq...)
}

type nopRunner struct{}

func (nopRunner) Kind() string { return "Nop" }

func (nopRunner) Run(ctx context.Context, t *engine.Task) error {
	t.Complete(nil)
	return nil
}

type fakeKinds struct{}

func (fakeKinds) Build(req domain.Request) (*engine.Task, error) {
	if req.Kind != "Nop" {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, req.Kind)
	}
	return engine.NewTask(nopRunner{}), nil
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string
	err       error
}

func (s *fakeSubmitter) Submit(t *engine.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.submitted = append(s.submitted, t.ID())
	return t.ID(), nil
}

func (s *fakeSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

func runConsumer(t *testing.T, q *fakeIntake, sub *fakeSubmitter) (cancel func() error) {
	t.Helper()
	c := Consumer{
		Q:            q,
		Enq:          Enqueuer{M: sub, Kinds: fakeKinds{}},
		ConsumerName: "test",
		Block:        time.Millisecond,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	}
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
			return nil
		}
	}
}

func TestConsumer_SubmitsAndAcks(t *testing.T) {
	q := newFakeIntake(claim{req: &domain.Request{Kind: "Nop"}, id: "1-0"})
	sub := &fakeSubmitter{}
	stop := runConsumer(t, q, sub)

	require.Eventually(t, func() bool {
		acked, _ := q.snapshot()
		return len(acked) == 1
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)

	acked, dlq := q.snapshot()
	assert.Equal(t, []string{"1-0"}, acked)
	assert.Empty(t, dlq)
	assert.Equal(t, 1, sub.count())
}

func TestConsumer_DeadLettersRejectedRequest(t *testing.T) {
	q := newFakeIntake(claim{req: &domain.Request{Kind: "Mystery"}, id: "2-0"})
	stop := runConsumer(t, q, &fakeSubmitter{})

	require.Eventually(t, func() bool {
		_, dlq := q.snapshot()
		return len(dlq) == 1
	}, 2*time.Second, time.Millisecond)
	_ = stop()

	acked, dlq := q.snapshot()
	assert.Empty(t, acked)
	assert.Equal(t, "2-0", dlq[0].id)
	assert.JSONEq(t, `{"kind":"Mystery","params":null}`, dlq[0].raw)
	assert.Contains(t, dlq[0].reason, "unknown task kind")
}

func TestConsumer_DeadLettersMalformedMessage(t *testing.T) {
	q := newFakeIntake(
		claim{id: "3-0", err: &domain.MalformedMessageError{MessageID: "3-0", Raw: "{oops", Err: errors.New("bad json")}},
		claim{req: &domain.Request{Kind: "Nop"}, id: "4-0"},
	)
	stop := runConsumer(t, q, &fakeSubmitter{})

	require.Eventually(t, func() bool {
		acked, _ := q.snapshot()
		return len(acked) == 1
	}, 2*time.Second, time.Millisecond)
	_ = stop()

	acked, dlq := q.snapshot()
	assert.Equal(t, []string{"4-0"}, acked)
	require.Len(t, dlq, 1)
	assert.Equal(t, dead{id: "3-0", raw: "{oops", reason: "bad json"}, dlq[0])
}

func TestConsumer_BacksOffOnClaimErrors(t *testing.T) {
	q := newFakeIntake(
		claim{err: errors.New("connection refused")},
		claim{err: errors.New("connection refused")},
		claim{},
		claim{req: &domain.Request{Kind: "Nop"}, id: "5-0"},
	)
	sub := &fakeSubmitter{}
	stop := runConsumer(t, q, sub)

	require.Eventually(t, func() bool { return sub.count() == 1 }, 2*time.Second, time.Millisecond)
	_ = stop()

	acked, dlq := q.snapshot()
	assert.Equal(t, []string{"5-0"}, acked)
	assert.Empty(t, dlq)
}

func TestConsumer_StopsWhenManagerStopped(t *testing.T) {
	q := newFakeIntake(claim{req: &domain.Request{Kind: "Nop"}, id: "6-0"})
	c := Consumer{
		Q:            q,
		Enq:          Enqueuer{M: &fakeSubmitter{err: domain.ErrStopped}, Kinds: fakeKinds{}},
		ConsumerName: "test",
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   time.Millisecond,
	}

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrStopped)

	acked, dlq := q.snapshot()
	assert.Empty(t, acked, "message stays pending")
	assert.Empty(t, dlq)
}

func TestEnqueuer_Now(t *testing.T) {
	sub := &fakeSubmitter{}
	e := Enqueuer{M: sub, Kinds: fakeKinds{}}

	id, err := e.Now(domain.Request{Kind: "Nop"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = e.Now(domain.Request{Kind: "Other"})
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
	assert.Equal(t, 1, sub.count())
}
