package cluster

import "sync"

// Guard serializes mutating operations per group. Acquire fails fast when the
// group is already held so a second operator request returns group-busy
// immediately instead of queueing behind a slow reconfiguration.
type Guard struct {
    mu    sync.Mutex
    locks map[string]*sync.Mutex
}

// NewGuard returns an empty Guard.
func NewGuard() *Guard {
    return &Guard{locks: make(map[string]*sync.Mutex)}
}

// Acquire takes the group's lock if it is free. The returned release func
// must be called exactly once; ok is false when the group is busy.
func (g *Guard) Acquire(group string) (release func(), ok bool) {
    g.mu.Lock()
    l, exists := g.locks[group]
    if !exists {
        l = &sync.Mutex{}
        g.locks[group] = l
    }
    g.mu.Unlock()

    if !l.TryLock() {
        return nil, false
    }
    return l.Unlock, true
}
