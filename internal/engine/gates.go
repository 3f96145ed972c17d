package engine

import (
	"context"
	"sort"
	"sync/atomic"

	"taskd/internal/domain"

	"golang.org/x/sync/semaphore"
)

type gate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
}

// Gates is a fixed set of named counting semaphores. Names that are not
// registered resolve to the default gate.
type Gates struct {
	gates map[string]*gate
}

// NewGates builds the gate set from name to capacity. A default gate with
// capacity 3 is added when caps does not name one; non-positive
// capacities are raised to 1.
func NewGates(caps map[string]int) *Gates {
	g := &Gates{gates: map[string]*gate{}}
	for name, c := range caps {
		g.add(name, c)
	}
	if _, ok := g.gates[DefaultGate]; !ok {
		g.add(DefaultGate, 3)
	}
	return g
}

func (g *Gates) add(name string, capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	g.gates[name] = &gate{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

func (g *Gates) resolve(name string) *gate {
	if gt, ok := g.gates[name]; ok {
		return gt
	}
	return g.gates[DefaultGate]
}

// Resolve returns the registered name the given gate name maps to.
func (g *Gates) Resolve(name string) string {
	return g.resolve(name).name
}

// Acquire blocks until a slot on the named gate is free or ctx is done.
// The returned release func must be called exactly once.
func (g *Gates) Acquire(ctx context.Context, name string) (release func(), err error) {
	gt := g.resolve(name)
	if err := gt.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	gt.inUse.Add(1)
	return func() {
		gt.inUse.Add(-1)
		gt.sem.Release(1)
	}, nil
}

func (g *Gates) Stats() []domain.GateView {
	out := make([]domain.GateView, 0, len(g.gates))
	for _, gt := range g.gates {
		out = append(out, domain.GateView{Name: gt.name, Capacity: gt.capacity, InUse: gt.inUse.Load()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
