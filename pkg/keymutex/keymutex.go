// Package keymutex provides a keyed single-slot lock. The lifecycle engine
// uses it to serialize the transition-plus-transaction sequence per task, so
// a late duplicate event and a scheduler sweep can never both issue a ledger
// transaction for the same task.
package keymutex

import "sync"

type slot struct {
	ch   chan struct{}
	refs int
}

// KeyMutex is a map of key to a single-slot lock. The zero value is not
// usable; call New.
type KeyMutex struct {
	mu    sync.Mutex
	slots map[uint64]*slot
}

func New() *KeyMutex {
	return &KeyMutex{
		slots: make(map[uint64]*slot),
	}
}

func (k *KeyMutex) getOrCreate(key uint64) *slot {
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	return s
}

// Lock blocks until the slot for key is acquired.
func (k *KeyMutex) Lock(key uint64) {
	k.mu.Lock()
	s := k.getOrCreate(key)
	s.refs++
	k.mu.Unlock()

	s.ch <- struct{}{}
}

// TryLock acquires the slot for key without blocking. Returns false when
// another holder is active.
func (k *KeyMutex) TryLock(key uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := k.getOrCreate(key)
	select {
	case s.ch <- struct{}{}:
		s.refs++
		return true
	default:
		if s.refs == 0 {
			delete(k.slots, key)
		}
		return false
	}
}

// Unlock releases the slot for key. Unlocking a key that is not held panics;
// that is always a programming error.
func (k *KeyMutex) Unlock(key uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.slots[key]
	if !ok {
		panic("keymutex: unlock of unheld key")
	}
	select {
	case <-s.ch:
	default:
		panic("keymutex: unlock of unheld key")
	}
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}
