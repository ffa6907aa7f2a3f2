// Package scopelock provides a per-(project,environment) mutex so
// concurrent operations on the same scope serialize while different
// scopes run fully in parallel. Waiters are admitted in the order
// sync.Mutex grants the lock; strict FIFO order is not guaranteed.
package scopelock

import (
	"context"
	"sync"
	"time"

	"github.com/tidewayhq/tideway/internal/platform/apperr"
)

// AcquireTimeout is how long a caller waits to enter a busy scope
// before it is told scope_busy.
const AcquireTimeout = 30 * time.Second

// Table holds one lock per scope key, created lazily.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	refcount int
}

// New builds an empty lock table.
func New() *Table {
	return &Table{locks: make(map[string]*entry)}
}

// Release unlocks the scope previously acquired with Acquire.
type Release func()

// Acquire blocks until the named scope's lock is free or ctx's deadline
// (capped at AcquireTimeout by the caller) elapses, in which case it
// returns a scope_busy error. Waiters are served in the order the
// underlying mutex admits them, which for Go's sync.Mutex is
// approximately FIFO under contention.
func (t *Table) Acquire(ctx context.Context, key string) (Release, error) {
	e := t.ref(key)

	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return func() {
			e.mu.Unlock()
			t.release(key, e)
		}, nil
	case <-ctx.Done():
		// The goroutine above may still acquire the lock later; when it
		// does, release it immediately since no one is waiting anymore.
		go func() {
			<-done
			e.mu.Unlock()
			t.release(key, e)
		}()
		return nil, apperr.New(apperr.KindScopeBusy, "scope "+key+" is busy")
	}
}

func (t *Table) ref(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[key]
	if !ok {
		e = &entry{}
		t.locks[key] = e
	}
	e.refcount++
	return e
}

func (t *Table) release(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refcount--
	if e.refcount == 0 {
		delete(t.locks, key)
	}
}
