package ai

import (
	"strings"
	"sync"
)

// threadGuard admits at most one active turn per thread without blocking unrelated threads.
// A suspended thread (pending interrupt) holds no entry.
type threadGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
	closed bool
}

func newThreadGuard() *threadGuard {
	return &threadGuard{active: make(map[string]struct{})}
}

// acquire claims threadID. The returned release must be called exactly once.
func (g *threadGuard) acquire(threadID string) (func(), error) {
	key := strings.TrimSpace(threadID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrServiceClosed
	}
	if _, busy := g.active[key]; busy {
		return nil, ErrThreadBusy
	}
	g.active[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, key)
			g.mu.Unlock()
		})
	}, nil
}

func (g *threadGuard) isActive(threadID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[strings.TrimSpace(threadID)]
	return ok
}

func (g *threadGuard) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
