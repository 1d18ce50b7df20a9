// Package cache provides the in-process caches of the archive gateway: a
// strict LRU bounded by a caller-supplied byte cost, and a TTL memoizer for
// short-lived metadata.
package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hdbppgw",
		Name:      "cache_hits_total",
		Help:      "Total number of data cache hits.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hdbppgw",
		Name:      "cache_misses_total",
		Help:      "Total number of data cache misses.",
	})
	metricCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hdbppgw",
		Name:      "cache_evictions_total",
		Help:      "Total number of entries evicted from the data cache.",
	})
	metricCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hdbppgw",
		Name:      "cache_size_bytes",
		Help:      "Current total cost of the data cache contents.",
	})
)

// CostFunc reports the cost of a value in the same unit as the cache budget.
type CostFunc func(value interface{}) int

// LRU is a size bounded cache with strict least-recently-used eviction.
// The total cost of all entries never exceeds the configured budget; a
// single value costing the whole budget or more is never admitted.
type LRU struct {
	mtx      sync.Mutex
	maxBytes int
	costFn   CostFunc
	order    *list.List // front is most recently used
	items    map[string]*list.Element
	curBytes int
}

type lruEntry struct {
	key   string
	value interface{}
	cost  int
}

func NewLRU(maxBytes int, costFn CostFunc) *LRU {
	return &LRU{
		maxBytes: maxBytes,
		costFn:   costFn,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached value and marks it most recently used.
func (c *LRU) Get(key string) (interface{}, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	el, ok := c.items[key]
	if !ok {
		metricCacheMisses.Inc()
		return nil, false
	}
	c.order.MoveToFront(el)
	metricCacheHits.Inc()
	return el.Value.(*lruEntry).value, true
}

// Set inserts or replaces the value for key, evicting least recently used
// entries until the new value fits. Values at least as large as the whole
// budget are silently dropped.
func (c *LRU) Set(key string, value interface{}) {
	cost := c.costFn(value)
	if cost >= c.maxBytes {
		return
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	// remove any existing entry first so updates don't double count
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}

	for c.curBytes+cost > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
		metricCacheEvictions.Inc()
	}

	c.items[key] = c.order.PushFront(&lruEntry{key: key, value: value, cost: cost})
	c.curBytes += cost
	metricCacheBytes.Set(float64(c.curBytes))
}

// SizeBytes is the current total cost of all entries.
func (c *LRU) SizeBytes() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.curBytes
}

// Len is the current number of entries.
func (c *LRU) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.items)
}

func (c *LRU) remove(el *list.Element) {
	e := el.Value.(*lruEntry)
	c.order.Remove(el)
	delete(c.items, e.key)
	c.curBytes -= e.cost
	metricCacheBytes.Set(float64(c.curBytes))
}
