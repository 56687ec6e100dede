package transport

import "sync"

// connSet is a thread-safe set of live connections, used to close every
// connection on shutdown and to walk them for heartbeats.
type connSet[C comparable] struct {
	mu    sync.RWMutex
	conns map[C]struct{}
}

func newConnSet[C comparable]() *connSet[C] {
	return &connSet[C]{conns: make(map[C]struct{})}
}

func (cs *connSet[C]) Add(c C) {
	cs.mu.Lock()
	cs.conns[c] = struct{}{}
	cs.mu.Unlock()
}

// Remove reports whether c was present.
func (cs *connSet[C]) Remove(c C) bool {
	cs.mu.Lock()
	_, ok := cs.conns[c]
	delete(cs.conns, c)
	cs.mu.Unlock()
	return ok
}

func (cs *connSet[C]) Count() int {
	cs.mu.RLock()
	n := len(cs.conns)
	cs.mu.RUnlock()
	return n
}

// All returns a snapshot that is safe to iterate without holding the lock.
func (cs *connSet[C]) All() []C {
	cs.mu.RLock()
	all := make([]C, 0, len(cs.conns))
	for c := range cs.conns {
		all = append(all, c)
	}
	cs.mu.RUnlock()
	return all
}
