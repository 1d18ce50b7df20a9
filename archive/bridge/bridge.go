// Package bridge turns the driver's callback-based paged results into
// futures bound to the connector's task loop. Driver callbacks run on
// driver goroutines; every completion and every OnDone callback is handed
// to the loop first, so user-visible state (the cache in particular) is
// only ever touched from the loop goroutine.
package bridge

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/taskloop"
)

// Future is a loop-bound completion carrying an arbitrary value or an
// error. Await may be called from any goroutine; OnDone callbacks always
// run on the loop, before Await observes the completion, so a caller that
// awaited a fetch sees its cache writes.
type Future struct {
	loop *taskloop.Loop

	mtx       sync.Mutex
	completed bool
	done      chan struct{}
	value     interface{}
	err       error
	callbacks []func(*Future)
}

func NewFuture(loop *taskloop.Loop) *Future {
	return &Future{
		loop: loop,
		done: make(chan struct{}),
	}
}

// Resolved returns an already completed future, used to hand back cached
// values through the same code path as fresh fetches.
func Resolved(loop *taskloop.Loop, value interface{}) *Future {
	f := NewFuture(loop)
	f.completed = true
	f.value = value
	close(f.done)
	return f
}

// complete must run on the loop goroutine.
func (f *Future) complete(value interface{}, err error) {
	f.mtx.Lock()
	if f.completed {
		f.mtx.Unlock()
		return
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mtx.Unlock()

	for _, cb := range callbacks {
		cb(f)
	}
	close(f.done)
}

// OnDone registers a callback to run on the loop once the future settles.
func (f *Future) OnDone(cb func(*Future)) {
	f.mtx.Lock()
	if f.completed {
		f.mtx.Unlock()
		f.loop.CallSoon(func() { cb(f) })
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mtx.Unlock()
}

// Err returns the failure after completion, nil before.
func (f *Future) Err() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if !f.completed {
		return nil
	}
	return f.err
}

// Value returns the result after completion, nil before or on failure.
func (f *Future) Value() interface{} {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if !f.completed {
		return nil
	}
	return f.value
}

// Await blocks until the future settles or the context is cancelled.
// Cancellation abandons the result; the underlying fetch keeps running.
func (f *Future) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then derives a future whose value is fn applied to this future's value.
// fn runs on the loop; errors pass through untouched.
func (f *Future) Then(fn func(value interface{}) (interface{}, error)) *Future {
	out := NewFuture(f.loop)
	f.OnDone(func(in *Future) {
		if in.err != nil {
			out.complete(nil, in.err)
			return
		}
		v, err := fn(in.value)
		out.complete(v, err)
	})
	return out
}

// Execute submits the driver result future and returns a loop future that
// resolves to the concatenated *driver.Result once the last page arrived.
func Execute(loop *taskloop.Loop, rf driver.ResultFuture) *Future {
	fut := NewFuture(loop)

	// pages for one query arrive sequentially on one driver goroutine,
	// so the accumulator needs no locking
	acc := &driver.Result{}
	rf.AddCallbacks(
		func(page driver.Page) {
			if acc.Columns == nil {
				acc.Columns = page.Columns
			}
			acc.Rows = append(acc.Rows, page.Rows...)
			if rf.HasMorePages() {
				rf.StartFetchingNextPage()
				return
			}
			loop.CallSoon(func() { fut.complete(acc, nil) })
		},
		func(err error) {
			loop.CallSoon(func() { fut.complete(nil, err) })
		},
	)
	return fut
}

// Retry wraps a future-producing call with up to maxAttempts attempts.
// Only errors the driver classifies as transient are retried; everything
// else fails immediately.
func Retry(loop *taskloop.Loop, fn func() *Future, maxAttempts int, logger log.Logger) *Future {
	outer := NewFuture(loop)

	attempt := 1
	var resolve func(*Future)
	resolve = func(inner *Future) {
		err := inner.err
		if err == nil {
			outer.complete(inner.value, nil)
			return
		}
		if attempt >= maxAttempts || !driver.IsTransient(err) {
			outer.complete(nil, err)
			return
		}
		attempt++
		level.Info(logger).Log("msg", "retrying query", "attempt", attempt, "err", err)
		fn().OnDone(resolve)
	}

	fn().OnDone(resolve)
	return outer
}
