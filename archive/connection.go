// Package archive is the read connector for an HDB++ archive kept in a
// wide-column store. Data tables are partitioned by (attribute id,
// calendar day), so every request is decomposed into one query per day and
// the days are fetched concurrently. Whole days are cached: historical
// partitions are immutable, while the day still receiving writes is kept
// warm by fetching only the samples after the latest cached second and
// splicing them onto the truncated cached part.
package archive

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/maxiv-kitscontrols/hdbppgw/archive/bridge"
	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver"
	"github.com/maxiv-kitscontrols/hdbppgw/archive/series"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/cache"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/hdbtime"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/taskloop"
)

var (
	metricFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hdbppgw",
		Name:      "data_fetch_duration_seconds",
		Help:      "Records the duration of per-day data fetches.",
		Buckets:   prometheus.ExponentialBuckets(.025, 2, 10),
	})
	metricFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hdbppgw",
		Name:      "data_fetch_errors_total",
		Help:      "Total number of failed per-day data fetches.",
	})
)

// AttributeInfo is one entry of the attribute name listing.
type AttributeInfo struct {
	Domain string
	Family string
	Member string
	Name   string
}

// AttributeConfig locates an attribute's rows.
type AttributeConfig struct {
	ID       uuid.UUID
	DataType DataType
}

// HistoryEvent is one archiving lifecycle event (add/remove/start/stop).
type HistoryEvent struct {
	Timestamp float64 `json:"timestamp"`
	Event     string  `json:"event"`
}

// Connection is the archive connector. It owns the prepared statements and
// the day-partitioned series cache; the session and the task loop are
// passed in by the caller.
type Connection struct {
	cfg    *Config
	sess   driver.Session
	stmts  *statements
	loop   *taskloop.Loop
	cache  *cache.LRU
	zone   *time.Location
	logger log.Logger
	now    func() time.Time

	attributes *cache.Memo
	configs    *cache.Memo

	// keys cached while their period was still today hold a partial
	// day; the first read after the period turns historical must
	// re-fetch instead of trusting the cache
	liveMtx  sync.Mutex
	liveKeys map[string]struct{}
}

func New(cfg Config, sess driver.Session, loop *taskloop.Loop, logger log.Logger) (*Connection, error) {
	cfg.applyDefaults()

	zone, err := resolveZone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	stmts, err := prepareStatements(context.Background(), sess, logger)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		cfg:      &cfg,
		sess:     sess,
		stmts:    stmts,
		loop:     loop,
		zone:     zone,
		logger:   logger,
		now:      time.Now,
		liveKeys: make(map[string]struct{}),
	}
	c.cache = cache.NewLRU(cfg.CacheSizeBytes, func(v interface{}) int {
		return v.(*series.Series).SizeBytes()
	})
	c.attributes = cache.NewMemo(cfg.MetadataTTL, c.fetchAttributes)
	c.configs = cache.NewMemo(cfg.MetadataTTL, c.fetchConfigs)

	return c, nil
}

func resolveZone(name string) (*time.Location, error) {
	switch name {
	case "local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	default:
		zone, err := time.LoadLocation(name)
		return zone, errors.Wrapf(err, "resolving timezone %q", name)
	}
}

// Shutdown closes the database session. The task loop is owned by the
// caller and is not touched.
func (c *Connection) Shutdown() {
	c.sess.Close()
}

// GetAttributes lists the archived attribute names per control system.
// Memoized for Config.MetadataTTL.
func (c *Connection) GetAttributes(ctx context.Context) (map[string][]AttributeInfo, error) {
	v, err := c.attributes.Get(ctx)
	if err != nil {
		return nil, err
	}
	return v.(map[string][]AttributeInfo), nil
}

// GetAttConfigs maps attribute names to their (id, data type) per control
// system. Memoized for Config.MetadataTTL.
func (c *Connection) GetAttConfigs(ctx context.Context) (map[string]map[string]AttributeConfig, error) {
	v, err := c.configs.Get(ctx)
	if err != nil {
		return nil, err
	}
	return v.(map[string]map[string]AttributeConfig), nil
}

func (c *Connection) fetchAttributes(ctx context.Context) (interface{}, error) {
	res, err := c.sess.Execute(ctx, c.stmts.attributes)
	if err != nil {
		return nil, errors.Wrap(err, "listing attributes")
	}

	attributes := make(map[string][]AttributeInfo)
	for _, row := range res.Rows {
		cs := asString(row[0])
		attributes[cs] = append(attributes[cs], AttributeInfo{
			Domain: asString(row[1]),
			Family: asString(row[2]),
			Member: asString(row[3]),
			Name:   asString(row[4]),
		})
	}
	return attributes, nil
}

func (c *Connection) fetchConfigs(ctx context.Context) (interface{}, error) {
	res, err := c.sess.Execute(ctx, c.stmts.config)
	if err != nil {
		return nil, errors.Wrap(err, "listing attribute configs")
	}

	configs := make(map[string]map[string]AttributeConfig)
	for _, row := range res.Rows {
		cs := asString(row[0])
		if configs[cs] == nil {
			configs[cs] = make(map[string]AttributeConfig)
		}
		id, _ := row[2].(uuid.UUID)
		configs[cs][asString(row[1])] = AttributeConfig{
			ID:       id,
			DataType: DataType(asString(row[3])),
		}
	}
	return configs, nil
}

func (c *Connection) attributeConfig(ctx context.Context, cs, name string) (AttributeConfig, error) {
	configs, err := c.GetAttConfigs(ctx)
	if err != nil {
		return AttributeConfig{}, err
	}
	cfg, ok := configs[cs][name]
	if !ok {
		return AttributeConfig{}, errors.Wrapf(ErrNotFound, "%s/%s", cs, name)
	}
	return cfg, nil
}

// GetHistory returns the archiving event history of an attribute. A zero
// from/to pair returns the full (unbounded) history; a bounded window
// returns at most 10 events.
func (c *Connection) GetHistory(ctx context.Context, attr string, from, to time.Time) ([]HistoryEvent, error) {
	cs, name, err := hdbtime.SplitAttr(attr)
	if err != nil {
		return nil, err
	}
	cfg, err := c.attributeConfig(ctx, cs, name)
	if err != nil {
		return nil, err
	}

	var res *driver.Result
	if from.IsZero() && to.IsZero() {
		res, err = c.sess.Execute(ctx, c.stmts.allHistory, cfg.ID)
	} else {
		res, err = c.sess.Execute(ctx, c.stmts.history, cfg.ID, from, to)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching history for %s", attr)
	}

	events := make([]HistoryEvent, 0, len(res.Rows))
	for _, row := range res.Rows {
		events = append(events, HistoryEvent{
			Timestamp: float64(asTime(row[0]).Unix()) + float64(asInt(row[1]))*1e-6,
			Event:     asString(row[2]),
		})
	}
	return events, nil
}

// GetParameters returns the newest parameter row recorded strictly before
// endTime, or nil when none exists.
func (c *Connection) GetParameters(ctx context.Context, attr string, endTime time.Time) (map[string]interface{}, error) {
	cs, name, err := hdbtime.SplitAttr(attr)
	if err != nil {
		return nil, err
	}
	cfg, err := c.attributeConfig(ctx, cs, name)
	if err != nil {
		return nil, err
	}

	res, err := c.sess.Execute(ctx, c.stmts.parameter, cfg.ID, endTime)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching parameters for %s", attr)
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}

	row := res.Rows[len(res.Rows)-1]
	params := make(map[string]interface{}, len(res.Columns))
	for i, col := range res.Columns {
		params[col] = row[i]
	}
	return params, nil
}

// GetAttributeData returns every sample of attr between t0 and t1. A zero
// t1 defaults to now, a zero t0 to 24 hours before now.
//
// Whole days are always fetched even when t0/t1 cut into the edges: whole
// days are what the cache holds, so a small request is only slow once.
// Callers wanting exact bounds trim the result.
func (c *Connection) GetAttributeData(ctx context.Context, attr string, t0, t1 time.Time) (*series.Series, error) {
	now := c.now()
	if t1.IsZero() {
		t1 = now
	}
	if t0.IsZero() {
		t0 = now.Add(-24 * time.Hour)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "archive.GetAttributeData")
	defer span.Finish()
	span.SetTag("attribute", attr)

	cs, name, err := hdbtime.SplitAttr(attr)
	if err != nil {
		return nil, err
	}

	periods := hdbtime.Days(t0, t1, c.zone)
	span.SetTag("periods", len(periods))
	level.Debug(c.logger).Log("msg", "fetching periods", "attribute", attr, "periods", len(periods))

	// Per-day fetches complete out of order; the results slice restores
	// calendar order. Launches are chunked so that no more than ChunkSize
	// queries are in flight for this request.
	results := make([]*series.Series, len(periods))
	for start := 0; start < len(periods); start += c.cfg.ChunkSize {
		end := start + c.cfg.ChunkSize
		if end > len(periods) {
			end = len(periods)
		}

		futs := make([]*bridge.Future, end-start)
		for i, period := range periods[start:end] {
			fut, err := c.getPeriod(ctx, cs, name, period)
			if err != nil {
				return nil, err
			}
			futs[i] = fut
		}

		g, gctx := errgroup.WithContext(ctx)
		for i, fut := range futs {
			i, fut := i, fut
			g.Go(func() error {
				v, err := fut.Await(gctx)
				if err != nil {
					return err
				}
				results[start+i] = v.(*series.Series)
				return nil
			})
		}
		// a failed chunk fails the request; abandoned fetches keep
		// running and still warm the cache through their callbacks
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return series.Concat(results...), nil
}

func cacheKey(cs, name, period string) string {
	return cs + "/" + name + "@" + period
}

func (c *Connection) markLive(key string) {
	c.liveMtx.Lock()
	c.liveKeys[key] = struct{}{}
	c.liveMtx.Unlock()
}

// isLive reports whether key was cached through the live-day path. The
// mark is cleared only when a full-day fetch replaces the entry, so a
// failed re-fetch leaves the next request to try again.
func (c *Connection) isLive(key string) bool {
	c.liveMtx.Lock()
	defer c.liveMtx.Unlock()
	_, ok := c.liveKeys[key]
	return ok
}

func (c *Connection) clearLive(key string) {
	c.liveMtx.Lock()
	delete(c.liveKeys, key)
	c.liveMtx.Unlock()
}

// getPeriod returns a future for one whole day of one attribute,
// consulting and populating the cache. An entry left over from the
// live-day path only covers the day up to its last refresh, so the first
// read after its period turns historical fetches the whole day again.
func (c *Connection) getPeriod(ctx context.Context, cs, name, period string) (*bridge.Future, error) {
	today := hdbtime.Today(c.now(), c.zone)
	if period == today {
		// today is still being written to and needs the merge path
		return c.getPeriodToday(ctx, cs, name, today)
	}

	key := cacheKey(cs, name, period)
	if v, ok := c.cache.Get(key); ok && !c.isLive(key) {
		return bridge.Resolved(c.loop, v), nil
	}

	fut, err := c.fetch(ctx, cs, name, period, nil)
	if err != nil {
		return nil, err
	}

	// Cache on success, but never a period in the future: such a request
	// is a client error and must not poison the cache. Periods are ISO
	// dates, so string comparison is date comparison.
	if period < today {
		key := key
		fut.OnDone(func(f *bridge.Future) {
			if f.Err() != nil {
				return
			}
			c.cache.Set(key, f.Value())
			c.clearLive(key)
		})
	}
	return fut, nil
}

// getPeriodToday serves the live day: the cached part up to (excluding)
// the latest cached whole second, plus a fetch of everything at or after
// that second. The boundary second is deliberately re-read because the
// database can only filter on whole seconds while samples are
// distinguished by microseconds; dropping it from the cached side
// guarantees the two parts are disjoint.
func (c *Connection) getPeriodToday(ctx context.Context, cs, name, today string) (*bridge.Future, error) {
	key := cacheKey(cs, name, today)

	var cached *series.Series
	if v, ok := c.cache.Get(key); ok {
		cached = v.(*series.Series)
	}

	if cached.IsEmpty() {
		fut, err := c.fetch(ctx, cs, name, today, nil)
		if err != nil {
			return nil, err
		}
		fut.OnDone(func(f *bridge.Future) {
			if f.Err() != nil {
				return
			}
			c.cache.Set(key, f.Value())
			c.markLive(key)
		})
		return fut, nil
	}

	latestSec := cached.MaxTime().Sec()
	truncated := cached.BeforeSec(latestSec)
	after := time.Unix(latestSec, 0).UTC()

	fut, err := c.fetch(ctx, cs, name, today, &after)
	if err != nil {
		return nil, err
	}
	return fut.Then(func(v interface{}) (interface{}, error) {
		merged := series.Concat(truncated, v.(*series.Series))
		c.cache.Set(key, merged)
		c.markLive(key)
		return merged, nil
	}), nil
}

// fetch issues the data query for one day, optionally restricted to
// samples at or after a whole-second floor, and resolves to a *series.Series.
func (c *Connection) fetch(ctx context.Context, cs, name, period string, after *time.Time) (*bridge.Future, error) {
	cfg, err := c.attributeConfig(ctx, cs, name)
	if err != nil {
		return nil, err
	}

	var (
		stmt driver.Statement
		ok   bool
		args []interface{}
	)
	if after != nil {
		stmt, ok = c.stmts.dataAfter[cfg.DataType]
		args = []interface{}{cfg.ID, period, *after}
	} else {
		stmt, ok = c.stmts.data[cfg.DataType]
		args = []interface{}{cfg.ID, period}
	}
	if !ok {
		return nil, errors.Wrapf(ErrUnprepared, "data type %s", cfg.DataType)
	}

	exec := func() *bridge.Future {
		start := time.Now()
		fut := bridge.Execute(c.loop, c.sess.ExecuteAsync(stmt, args...))
		fut.OnDone(func(f *bridge.Future) {
			metricFetchDuration.Observe(time.Since(start).Seconds())
			if f.Err() != nil {
				metricFetchErrors.Inc()
			}
		})
		return fut
	}

	var fut *bridge.Future
	if c.cfg.QueryRetries > 1 {
		fut = bridge.Retry(c.loop, exec, c.cfg.QueryRetries, c.logger)
	} else {
		fut = exec()
	}

	return fut.Then(func(v interface{}) (interface{}, error) {
		return rowsToSeries(v.(*driver.Result)), nil
	}), nil
}

// rowsToSeries converts data query rows (data_time, data_time_us, value_r,
// error_desc) into a series.
func rowsToSeries(res *driver.Result) *series.Series {
	s := series.NewWithCapacity(len(res.Rows))
	for _, row := range res.Rows {
		value, _ := toFloat(row[2])
		s.Append(asTime(row[0]).Unix(), int32(asInt(row[1])), value, asString(row[3]))
	}
	return s
}

// SortedControlSystems is a convenience for the HTTP layer.
func SortedControlSystems(configs map[string]map[string]AttributeConfig) []string {
	out := make([]string, 0, len(configs))
	for cs := range configs {
		out = append(out, cs)
	}
	sort.Strings(out)
	return out
}
