package session

import "sync"

// userLocks serializes session mutations per user. The persistence layer's
// active-session filter alone cannot stop two concurrent puts for the same
// user racing between lookup and write, so each user gets an in-process
// mutex held for the whole mutation.
type userLocks struct {
	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{users: make(map[string]*sync.Mutex)}
}

// lock acquires the user's mutex and returns its release function. Mutexes
// are never evicted; the user population is small and bounded.
func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	m, ok := l.users[userID]
	if !ok {
		m = &sync.Mutex{}
		l.users[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
