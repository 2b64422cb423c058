// Package locks provides per-key critical sections. Each job id owns its own
// state machine; holders of different keys never block each other.
package locks

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Keyed struct {
	mu   sync.Mutex
	held map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{held: map[string]*entry{}}
}

// Lock acquires the mutex for key and returns its release func. Entries are
// dropped once the last holder releases, so the map stays proportional to
// in-flight work.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.held[key]
	if !ok {
		e = &entry{}
		k.held[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
