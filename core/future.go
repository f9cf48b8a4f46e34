package core

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Future is the result of an asynchronous operation that completes exactly
// once, with or without an error.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewFuture returns a pending future. Complete it with Complete.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns a future that is already complete with err.
func CompletedFuture(err error) *Future {
	f := NewFuture()
	f.Complete(err)
	return f
}

// Go runs fn on a new goroutine and returns a future for its result.
func Go(fn func() error) *Future {
	f := NewFuture()
	go func() {
		f.Complete(fn())
	}()
	return f
}

// Complete resolves the future. Only the first call has an effect.
func (f *Future) Complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// WaitAll blocks until every future completes and returns the first error
// encountered, if any. Nil futures are skipped. There is no timeout: a future
// that never completes blocks the caller.
func WaitAll(futures ...*Future) error {
	var g errgroup.Group
	for _, f := range futures {
		if f == nil {
			continue
		}
		g.Go(f.Wait)
	}
	return g.Wait()
}
