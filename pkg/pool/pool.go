// Package pool is a bounded worker pool used to keep CPU-bound work
// (rendering, resampling) off the request path.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricWorkQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hdbppgw",
		Name:      "work_queue_length",
		Help:      "Current length of the work queue.",
	})

	metricWorkQueueMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hdbppgw",
		Name:      "work_queue_max",
		Help:      "Maximum number of items in the work queue.",
	})
)

// JobFunc transforms one payload into its rendered result.
type JobFunc func(ctx context.Context, payload interface{}) ([]byte, error)

type job struct {
	ctx     context.Context
	payload interface{}
	fn      JobFunc
	idx     int
	results [][]byte

	wg      *sync.WaitGroup
	stopped *atomic.Bool
	err     *atomic.Error
}

type Pool struct {
	cfg  *Config
	size *atomic.Int32

	workQueue chan *job
}

func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = defaultConfig()
	}

	q := make(chan *job, cfg.QueueDepth)
	p := &Pool{
		cfg:       cfg,
		workQueue: q,
		size:      atomic.NewInt32(0),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		go p.worker(q)
	}

	metricWorkQueueMax.Set(float64(cfg.QueueDepth))

	return p
}

// RunJobs executes fn over every payload on the pool workers and returns
// the results in payload order. The first error stops remaining jobs and is
// returned.
func (p *Pool) RunJobs(ctx context.Context, payloads []interface{}, fn JobFunc) ([][]byte, error) {
	totalJobs := len(payloads)

	// sanity check before we even attempt to start adding jobs
	if int(p.size.Load())+totalJobs > p.cfg.QueueDepth {
		return nil, fmt.Errorf("queue doesn't have room for %d jobs", totalJobs)
	}

	results := make([][]byte, totalJobs)
	wg := &sync.WaitGroup{}
	stopped := atomic.NewBool(false)
	err := atomic.NewError(nil)

	wg.Add(totalJobs)
	// add each job one at a time.  these might still fail
	for i, payload := range payloads {
		j := &job{
			ctx:     ctx,
			fn:      fn,
			payload: payload,
			idx:     i,
			results: results,
			wg:      wg,
			stopped: stopped,
			err:     err,
		}

		select {
		case p.workQueue <- j:
			p.size.Inc()
			metricWorkQueueLength.Set(float64(p.size.Load()))
		default:
			stopped.Store(true)
			return nil, fmt.Errorf("failed to add a job due to queue being full")
		}
	}

	wg.Wait()

	if e := err.Load(); e != nil {
		return nil, e
	}
	return results, nil
}

func (p *Pool) Shutdown() {
	close(p.workQueue)
}

func (p *Pool) worker(q <-chan *job) {
	for j := range q {
		p.size.Dec()
		metricWorkQueueLength.Set(float64(p.size.Load()))

		if j.stopped.Load() || j.ctx.Err() != nil {
			j.wg.Done()
			continue
		}

		b, err := j.fn(j.ctx, j.payload)
		if err != nil {
			j.err.Store(err)
			j.stopped.Store(true)
		} else {
			j.results[j.idx] = b
		}
		j.wg.Done()
	}
}
