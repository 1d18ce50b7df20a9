package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Producer computes the value memoized by a Memo.
type Producer func(ctx context.Context) (interface{}, error)

// Memo caches the last result of a producer for up to a time-to-live.
// Within the TTL the producer is called at most once; the first call after
// expiry runs it exactly once more. Errors are memoized the same way, so a
// failing producer is surfaced until the TTL allows a retry — except
// cancellation and deadline errors, which belong to the calling request
// and are never stored.
type Memo struct {
	mtx      sync.Mutex
	ttl      time.Duration
	producer Producer
	now      func() time.Time

	value interface{}
	err   error
	last  time.Time
	valid bool
}

func NewMemo(ttl time.Duration, producer Producer) *Memo {
	return &Memo{
		ttl:      ttl,
		producer: producer,
		now:      time.Now,
	}
}

// Get returns the memoized value, recomputing it when stale.
func (m *Memo) Get(ctx context.Context) (interface{}, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.now()
	if m.valid && (m.ttl <= 0 || now.Sub(m.last) <= m.ttl) {
		return m.value, m.err
	}

	value, err := m.producer(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// a cancelled caller must not poison the shared entry for the
		// next TTL window; the next caller reruns the producer
		return nil, err
	}
	m.value, m.err = value, err
	m.last = now
	m.valid = true
	return m.value, m.err
}
