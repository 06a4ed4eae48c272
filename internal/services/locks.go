// Per-registration locks for the notification critical section.
//
// Gateway retries and a user revisiting the success URL can deliver several
// notifications for the same registration concurrently. The processor's
// read-check-write sequence (duplicate check then record) must therefore run
// under a lock keyed by registration, or two calls could both pass the
// duplicate check and double-record the payment.
package services

import "sync"

// lockEntry is one registration's mutex plus a reference count used to evict
// entries once nobody holds or waits for them.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// RegistrationLocks hands out one mutex per registration token on demand.
// Entries are removed as soon as the last holder releases, so memory stays
// proportional to in-flight notifications, not to total registrations.
//
// The zero value is not usable; construct with NewRegistrationLocks.
type RegistrationLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewRegistrationLocks constructs an empty lock store.
func NewRegistrationLocks() *RegistrationLocks {
	return &RegistrationLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for token and returns its release function.
// Typical use:
//
//	unlock := locks.Lock(reg.ID)
//	defer unlock()
func (l *RegistrationLocks) Lock(token string) func() {
	l.mu.Lock()
	e, ok := l.locks[token]
	if !ok {
		e = &lockEntry{}
		l.locks[token] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, token)
			}
			l.mu.Unlock()
		})
	}
}
