// Package taskloop runs submitted functions one at a time on a single
// goroutine. The archive connector uses it to serialize cache mutations and
// future completions: database driver callbacks arrive on driver goroutines
// and must be handed over here before they touch shared state.
package taskloop

import "sync"

// Loop is a serial executor. Functions submitted with CallSoon run in
// submission order on the loop goroutine.
type Loop struct {
	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Loop and starts its goroutine.
func New() *Loop {
	l := &Loop{
		tasks: make(chan func(), 1024),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// CallSoon schedules fn on the loop goroutine. It is safe to call from any
// goroutine, including driver callback threads. After Stop the function is
// dropped.
func (l *Loop) CallSoon(fn func()) {
	select {
	case <-l.quit:
	case l.tasks <- fn:
	}
}

// Stop shuts the loop down. Queued functions may be dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			return
		}
	}
}
