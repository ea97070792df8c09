package engine

import (
	"sync"

	"github.com/moltsocial/quorum/records"
	"github.com/puzpuzpuz/xsync/v3"
)

type refLock struct {
	mu   sync.Mutex
	refs int
}

// Per-key mutexes, dropped once nobody holds or waits on them.
type keyedLocks struct {
	locks *xsync.MapOf[string, *refLock]
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: xsync.NewMapOf[string, *refLock]()}
}

// Blocks until the lock for key is held. Call the returned function to release it.
func (k *keyedLocks) Lock(key string) func() {
	l, _ := k.locks.Compute(key, func(old *refLock, loaded bool) (*refLock, bool) {
		if !loaded {
			old = &refLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.locks.Compute(key, func(old *refLock, loaded bool) (*refLock, bool) {
			if !loaded {
				return nil, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

// Items which race on the same admission check share a lock: testimonies on their subject (idempotency), everything else on its own reference.
func lockKey(env *records.Envelope) string {
	if t, ok := env.Record.(*records.Testimony); ok {
		return "testimony/" + env.Author().String() + "/" + t.Subject.Key()
	}
	return env.Ref.Key()
}
