package gqlx

import (
	"sync"
)

// flight runs at most one call at a time. Callers joining while a call runs share
// its result; their continuations are invoked in join order once it settles, and
// the next Do after that starts a fresh call.
type flight[T any] struct {
	mu      sync.Mutex
	running bool
	waiters []func(T, error)
}

// Do joins the running call or starts fn in a new goroutine. It never blocks on fn
// and reports whether this caller started the call.
//
// admit, when set, is consulted only before starting a new call; an error from it
// is handed to cont right away and nothing starts.
func (f *flight[T]) Do(fn func() (T, error), cont func(T, error), admit func() error) bool {
	f.mu.Lock()
	if f.running {
		f.waiters = append(f.waiters, cont)
		f.mu.Unlock()
		return false
	}
	if admit != nil {
		if err := admit(); err != nil {
			f.mu.Unlock()
			var zero T
			cont(zero, err)
			return false
		}
	}
	f.running = true
	f.waiters = append(f.waiters, cont)
	f.mu.Unlock()

	go func() {
		v, err := fn()
		f.mu.Lock()
		waiters := f.waiters
		f.waiters = nil
		f.running = false
		f.mu.Unlock()
		for _, w := range waiters {
			w(v, err)
		}
	}()
	return true
}

func (f *flight[T]) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Waiting is the number of continuations queued behind the running call.
func (f *flight[T]) Waiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}
