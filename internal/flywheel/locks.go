package flywheel

import "sync"

// LockRegistry hands out a non-blocking lock per token. The scheduler and the
// claim engine both acquire through here, so a token never has two in-flight
// operations: whoever loses the race skips the token this tick.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry creates an empty registry
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

func (r *LockRegistry) get(tokenID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[tokenID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[tokenID] = l
	}
	return l
}

// TryLock acquires the token's lock without blocking.
// Returns false when the token is busy.
func (r *LockRegistry) TryLock(tokenID string) bool {
	return r.get(tokenID).TryLock()
}

// Unlock releases the token's lock
func (r *LockRegistry) Unlock(tokenID string) {
	r.get(tokenID).Unlock()
}
