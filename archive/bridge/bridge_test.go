package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver"
	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver/drivertest"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/taskloop"
)

type transientErr struct{ msg string }

func (e *transientErr) Error() string   { return e.msg }
func (e *transientErr) Transient() bool { return true }

func result(n int) *driver.Result {
	res := &driver.Result{Columns: []string{"v"}}
	for i := 0; i < n; i++ {
		res.Rows = append(res.Rows, driver.Row{i})
	}
	return res
}

func execute(t *testing.T, loop *taskloop.Loop, sess *drivertest.Session) (*driver.Result, error) {
	t.Helper()
	st, err := sess.Prepare(context.Background(), "SELECT v FROM t")
	require.NoError(t, err)

	fut := Execute(loop, sess.ExecuteAsync(st))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := fut.Await(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*driver.Result), nil
}

func TestExecuteSinglePage(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	sess := &drivertest.Session{
		Handler: func(string, []interface{}) (*driver.Result, error) { return result(3), nil },
	}

	res, err := execute(t, loop, sess)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 3)
	assert.Equal(t, []string{"v"}, res.Columns)
}

func TestExecuteConcatenatesPages(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	sess := &drivertest.Session{
		PageSize: 10,
		Handler:  func(string, []interface{}) (*driver.Result, error) { return result(35), nil },
	}

	res, err := execute(t, loop, sess)
	require.NoError(t, err)
	require.Len(t, res.Rows, 35)
	for i, row := range res.Rows {
		assert.Equal(t, i, row[0])
	}
}

func TestExecuteError(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	boom := errors.New("unavailable")
	sess := &drivertest.Session{
		Handler: func(string, []interface{}) (*driver.Result, error) { return nil, boom },
	}

	_, err := execute(t, loop, sess)
	assert.Equal(t, boom, err)
}

func TestOnDoneAfterCompletion(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	fut := Resolved(loop, 42)
	got := make(chan interface{}, 1)
	fut.OnDone(func(f *Future) { got <- f.Value() })
	assert.Equal(t, 42, <-got)
}

func TestThen(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	fut := Resolved(loop, 2).Then(func(v interface{}) (interface{}, error) {
		return v.(int) * 10, nil
	})
	v, err := fut.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, v)
}

func TestThenPropagatesError(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	boom := errors.New("boom")
	inner := NewFuture(loop)
	outer := inner.Then(func(interface{}) (interface{}, error) {
		t.Error("mapper ran on failed future")
		return nil, nil
	})
	loop.CallSoon(func() { inner.complete(nil, boom) })

	_, err := outer.Await(context.Background())
	assert.Equal(t, boom, err)
}

func TestAwaitCancellation(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	fut := NewFuture(loop)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fut.Await(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	calls := 0
	fn := func() *Future {
		calls++
		fut := NewFuture(loop)
		n := calls
		loop.CallSoon(func() {
			if n <= 2 {
				fut.complete(nil, &transientErr{msg: "timeout"})
				return
			}
			fut.complete("ok", nil)
		})
		return fut
	}

	v, err := Retry(loop, fn, 5, log.NewNopLogger()).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRetryExhausted(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	calls := 0
	boom := &transientErr{msg: "timeout"}
	fn := func() *Future {
		calls++
		fut := NewFuture(loop)
		loop.CallSoon(func() { fut.complete(nil, boom) })
		return fut
	}

	_, err := Retry(loop, fn, 3, log.NewNopLogger()).Await(context.Background())
	assert.Equal(t, boom, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentNotRetried(t *testing.T) {
	loop := taskloop.New()
	defer loop.Stop()

	calls := 0
	boom := errors.New("invalid request")
	fn := func() *Future {
		calls++
		fut := NewFuture(loop)
		loop.CallSoon(func() { fut.complete(nil, boom) })
		return fut
	}

	_, err := Retry(loop, fn, 5, log.NewNopLogger()).Await(context.Background())
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}
