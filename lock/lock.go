// Package lock provides processing locks for batch jobs such as the year-end
// carry-over. Local serializes inside one process; Redis serializes across
// replicas through a redsync mutex.
package lock

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrHeld is returned by TryLock when another holder owns the key.
	ErrHeld = errors.New("lock is held by another process")

	ErrEmptyKey = errors.New("lock key cannot be empty")

	// ErrNotHeld is returned when unlocking a lock that already expired or
	// was released.
	ErrNotHeld = errors.New("lock was not held or already expired")
)

// Local is an in-process keyed try-lock.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock acquires key or fails immediately with ErrHeld.
func (l *Local) TryLock(_ context.Context, key string) (func(context.Context) error, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	unlock := func(context.Context) error {
		err := ErrNotHeld
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			err = nil
		})
		return err
	}
	return unlock, nil
}
