package bridge

import (
	"context"
	"sync"
)

// Future is a deferred result. It settles exactly once.
//
// Hooks added with Finally run on the goroutine that first calls Wait after
// the future settles. The bridge waits on the goroutine that drives the
// engine, outside any engine call, so hooks may safely call back into the
// module (to free scratch memory, for example).
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error

	mu     sync.Mutex
	hooks  []func()
	waited bool
}

// Go runs fn on a new goroutine and returns its future.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f, settle := NewPromise[T]()
	go func() {
		settle(fn(ctx))
	}()
	return f
}

// Resolved returns an already settled future.
func Resolved[T any](v T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), val: v, err: err}
	f.once.Do(func() {})
	close(f.done)
	return f
}

// NewPromise returns a pending future and the function that settles it.
// Only the first settle call has an effect.
func NewPromise[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	return f, f.settle
}

func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future has settled.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	f.runHooks()
	return f.val, f.err
}

func (f *Future[T]) runHooks() {
	f.mu.Lock()
	f.waited = true
	hooks := f.hooks
	f.hooks = nil
	f.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// Finally registers fn to run once f settles and is waited on, whatever
// the outcome. It returns f.
func Finally[T any](f *Future[T], fn func()) *Future[T] {
	f.mu.Lock()
	if f.waited {
		f.mu.Unlock()
		fn()
		return f
	}
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
	return f
}

// Map returns a future settling with fn applied to f's value. Errors pass
// through without calling fn. Hooks registered on f so far move to the
// returned future.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out, settle := NewPromise[U]()

	f.mu.Lock()
	out.hooks = f.hooks
	f.hooks = nil
	f.mu.Unlock()

	apply := func() {
		if f.err != nil {
			var zero U
			settle(zero, f.err)
			return
		}
		settle(fn(f.val))
	}
	if f.Ready() {
		apply()
		return out
	}
	go func() {
		<-f.done
		apply()
	}()
	return out
}

// pending is a type-erased view of a Future, held by a SuspendFrame.
type pending interface {
	wait() (any, error)
}

func (f *Future[T]) wait() (any, error) {
	return f.Wait()
}
