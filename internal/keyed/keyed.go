package keyed

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Group hands out one single-slot semaphore per key. It backs the staff
// approving guard, the background-job run latches and per-user conversation
// serialization: acquiring returns a release closure, so the
// release-exactly-once contract is structural instead of being re-implemented
// in every handler.
type Group struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewGroup() *Group {
	return &Group{sems: map[string]*semaphore.Weighted{}}
}

func (g *Group) sem(key string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sems[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		g.sems[key] = s
	}
	return s
}

// TryAcquire takes the key's slot without blocking. The returned release
// function is safe to call multiple times; only the first call releases.
func (g *Group) TryAcquire(key string) (release func(), ok bool) {
	s := g.sem(key)
	if !s.TryAcquire(1) {
		return nil, false
	}
	return releaseOnce(s), true
}

// Acquire blocks until the key's slot is free or the context is done.
func (g *Group) Acquire(ctx context.Context, key string) (release func(), err error) {
	s := g.sem(key)
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return releaseOnce(s), nil
}

func releaseOnce(s *semaphore.Weighted) func() {
	var once sync.Once
	return func() {
		once.Do(func() { s.Release(1) })
	}
}
