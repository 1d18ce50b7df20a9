package archive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver"
	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver/drivertest"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/taskloop"
)

const testAttr = "ctrl/d/f/m/a"

type transientErr struct{ msg string }

func (e *transientErr) Error() string   { return e.msg }
func (e *transientErr) Transient() bool { return true }

type fixture struct {
	sess *drivertest.Session
	conn *Connection
	loop *taskloop.Loop

	// samples served per period, as data query rows
	data map[string][]driver.Row
	// dataErr fails the next n data queries
	dataErr      error
	dataErrCount int
}

func dataRow(sec int64, us int, value float64) driver.Row {
	return driver.Row{time.Unix(sec, 0).UTC(), us, value, ""}
}

func newFixture(t *testing.T, mut func(cfg *Config)) *fixture {
	t.Helper()

	f := &fixture{
		sess: &drivertest.Session{},
		data: make(map[string][]driver.Row),
	}
	attrID := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	f.sess.Handler = func(cql string, args []interface{}) (*driver.Result, error) {
		switch {
		case strings.Contains(cql, "FROM att_names"):
			return &driver.Result{
				Columns: []string{"cs_name", "domain", "family", "member", "name"},
				Rows:    []driver.Row{{"ctrl", "d", "f", "m", "a"}},
			}, nil

		case strings.HasSuffix(cql, "FROM att_conf"):
			return &driver.Result{
				Columns: []string{"cs_name", "att_name", "att_conf_id", "data_type"},
				Rows: []driver.Row{
					{"ctrl", "d/f/m/a", attrID, "scalar_devdouble_ro"},
					{"ctrl", "d/f/m/str", attrID, "scalar_devstring_ro"},
				},
			}, nil

		case strings.Contains(cql, "FROM att_scalar_"):
			if f.dataErrCount > 0 {
				f.dataErrCount--
				return nil, f.dataErr
			}
			period := args[1].(string)
			rows := f.data[period]
			if strings.Contains(cql, "data_time >= ?") {
				floor := args[2].(time.Time)
				var filtered []driver.Row
				for _, row := range rows {
					if !row[0].(time.Time).Before(floor) {
						filtered = append(filtered, row)
					}
				}
				rows = filtered
			}
			return &driver.Result{
				Columns: []string{"data_time", "data_time_us", "value_r", "error_desc"},
				Rows:    rows,
			}, nil

		default:
			return &driver.Result{}, nil
		}
	}

	cfg := Config{Timezone: "UTC", QueryRetries: 1}
	if mut != nil {
		mut(&cfg)
	}

	f.loop = taskloop.New()
	t.Cleanup(f.loop.Stop)

	conn, err := New(cfg, f.sess, f.loop, log.NewNopLogger())
	require.NoError(t, err)
	f.conn = conn
	return f
}

func (f *fixture) setNow(t time.Time) {
	f.conn.now = func() time.Time { return t }
}

func (f *fixture) dataQueries() int {
	return f.sess.QueryCount(func(q drivertest.Query) bool {
		return strings.Contains(q.CQL, "FROM att_scalar_")
	})
}

func (f *fixture) dataAfterQueries() int {
	return f.sess.QueryCount(func(q drivertest.Query) bool {
		return strings.Contains(q.CQL, "data_time >= ?")
	})
}

func TestColdFetchThenCached(t *testing.T) {
	f := newFixture(t, nil)
	f.setNow(time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC))
	f.data["2024-03-15"] = []driver.Row{
		dataRow(1710489600, 0, 1.0),
		dataRow(1710489600, 500, 2.0),
		dataRow(1710493200, 0, 3.0),
	}

	t0 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC)

	first, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	require.Equal(t, 3, first.Len())
	assert.Equal(t, 1, f.dataQueries())

	second, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.dataQueries(), "second call must be served from cache")

	// cached series handed to a second reader is identical
	require.Equal(t, first.Len(), second.Len())
	for i := 0; i < first.Len(); i++ {
		assert.Equal(t, first.At(i), second.At(i))
	}
}

func TestCrossDayFetch(t *testing.T) {
	f := newFixture(t, nil)
	f.setNow(time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC))
	f.data["2024-03-15"] = []driver.Row{dataRow(1710507600, 0, 1.0)}
	f.data["2024-03-16"] = []driver.Row{dataRow(1710590400, 0, 2.0), dataRow(1710590400, 10, 3.0)}
	f.data["2024-03-17"] = []driver.Row{dataRow(1710637200, 0, 4.0)}

	t0 := time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 3, 17, 1, 0, 0, 0, time.UTC)

	s, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	assert.Equal(t, 3, f.dataQueries())
	require.Equal(t, 4, s.Len())

	for i := 1; i < s.Len(); i++ {
		assert.LessOrEqual(t, s.Micros(i-1), s.Micros(i))
	}
	assert.Equal(t, []float64{1, 2, 3, 4}, []float64{s.At(0).Value, s.At(1).Value, s.At(2).Value, s.At(3).Value})
}

func TestLiveDayMerge(t *testing.T) {
	f := newFixture(t, nil)
	// 1710500000 is during 2024-03-15 UTC
	f.setNow(time.Unix(1710500400, 0).UTC())
	today := "2024-03-15"

	f.data[today] = []driver.Row{
		dataRow(1710490000, 0, 1.0),
		dataRow(1710500000, 742100, 2.0),
	}

	t0 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	t1 := time.Unix(1710500400, 0).UTC()

	// first call populates the cache with the full day
	first, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	require.Equal(t, 2, first.Len())
	assert.Equal(t, 0, f.dataAfterQueries())

	// new samples arrive, one sharing the boundary second
	f.data[today] = append(f.data[today],
		dataRow(1710500000, 742101, 3.0),
		dataRow(1710500000, 999999, 4.0),
		dataRow(1710500123, 0, 5.0),
	)

	second, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.dataAfterQueries(), "refresh must use the bounded query")

	// the incremental query re-read the boundary second
	require.Equal(t, 5, second.Len())
	seen := make(map[int64]bool)
	for i := 0; i < second.Len(); i++ {
		m := int64(second.Micros(i))
		assert.False(t, seen[m], "duplicate sample at %d", m)
		seen[m] = true
	}
	for i := 1; i < second.Len(); i++ {
		assert.LessOrEqual(t, second.Micros(i-1), second.Micros(i))
	}
	assert.Equal(t, []float64{1, 2, 3, 4, 5},
		[]float64{second.At(0).Value, second.At(1).Value, second.At(2).Value, second.At(3).Value, second.At(4).Value})
}

func TestLiveDayMergeAdvancesMonotonically(t *testing.T) {
	f := newFixture(t, nil)
	f.setNow(time.Unix(1710500400, 0).UTC())
	today := "2024-03-15"
	f.data[today] = []driver.Row{dataRow(1710490000, 0, 1.0)}

	t0 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	t1 := time.Unix(1710500400, 0).UTC()

	var prevMax int64
	for i := 0; i < 3; i++ {
		s, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
		require.NoError(t, err)
		max := int64(s.MaxTime())
		assert.GreaterOrEqual(t, max, prevMax)
		prevMax = max

		f.data[today] = append(f.data[today], dataRow(1710490010+int64(i), 0, 2.0))
	}
}

func TestLiveDayEntryRefreshedAfterRollover(t *testing.T) {
	f := newFixture(t, nil)
	day := "2024-03-15"
	f.setNow(time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC))
	f.data[day] = []driver.Row{dataRow(1710536400, 0, 1.0)} // 21:00

	t0 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC)

	// cached through the live-day path while the day is still open
	first, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	require.Equal(t, 1, first.Len())
	require.Equal(t, 1, f.dataQueries())

	// samples land after the last refresh, then the day rolls over
	f.data[day] = append(f.data[day], dataRow(1710543300, 0, 2.0)) // 22:55
	f.setNow(time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC))

	second, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	assert.Equal(t, 2, f.dataQueries(), "the now-historical partial entry must be re-fetched")
	require.Equal(t, 2, second.Len())
	assert.Equal(t, 2.0, second.At(1).Value)

	// the full day is now cached as immutable
	third, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	assert.Equal(t, 2, f.dataQueries())
	assert.Equal(t, 2, third.Len())
}

func TestFuturePeriodNeverCached(t *testing.T) {
	f := newFixture(t, nil)
	f.setNow(time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC))

	t0 := time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 3, 25, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 2; i++ {
		_, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
		require.NoError(t, err)
		assert.Equal(t, i, f.dataQueries(), "future periods must never be served from cache")
	}
}

func TestChunkedFanout(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.ChunkSize = 50 })
	f.setNow(time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC))
	f.sess.Delay = 2 * time.Millisecond

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.AddDate(0, 0, 119)

	_, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)

	assert.Equal(t, 120, f.dataQueries())
	assert.LessOrEqual(t, f.sess.MaxConcurrent(), 50)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.setNow(time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC))

	_, err := f.conn.GetAttributeData(context.Background(), "ctrl/no/such/attr/here",
		time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUnpreparedDataType(t *testing.T) {
	f := newFixture(t, nil)
	f.setNow(time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC))

	_, err := f.conn.GetAttributeData(context.Background(), "ctrl/d/f/m/str",
		time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC))
	assert.True(t, errors.Is(err, ErrUnprepared))
}

func TestFailedFetchNotCached(t *testing.T) {
	f := newFixture(t, nil)
	f.setNow(time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC))
	f.data["2024-03-15"] = []driver.Row{dataRow(1710489600, 0, 1.0)}

	t0 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC)

	f.dataErr = errors.New("read failure")
	f.dataErrCount = 1
	_, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.Error(t, err)

	// the failure stayed out of the cache: the next call fetches again
	s, err := f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, f.dataQueries())

	// and the success is now cached
	_, err = f.conn.GetAttributeData(context.Background(), testAttr, t0, t1)
	require.NoError(t, err)
	assert.Equal(t, 2, f.dataQueries())
}

func TestRetryOnTransientError(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.QueryRetries = 5 })
	f.setNow(time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC))
	f.data["2024-03-15"] = []driver.Row{dataRow(1710489600, 0, 1.0)}

	f.dataErr = &transientErr{msg: "timeout"}
	f.dataErrCount = 2

	s, err := f.conn.GetAttributeData(context.Background(), testAttr,
		time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 3, f.dataQueries(), "two failed attempts plus one success")
}

func TestMetadataMemoized(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		attrs, err := f.conn.GetAttributes(context.Background())
		require.NoError(t, err)
		require.Len(t, attrs["ctrl"], 1)
		assert.Equal(t, AttributeInfo{Domain: "d", Family: "f", Member: "m", Name: "a"}, attrs["ctrl"][0])
	}
	assert.Equal(t, 1, f.sess.QueryCount(func(q drivertest.Query) bool {
		return strings.Contains(q.CQL, "FROM att_names")
	}))

	configs, err := f.conn.GetAttConfigs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DataType("scalar_devdouble_ro"), configs["ctrl"]["d/f/m/a"].DataType)
	assert.Equal(t, []string{"ctrl"}, SortedControlSystems(configs))
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.sess.Handler = wrapHandler(f.sess.Handler, func(cql string, args []interface{}) (*driver.Result, bool) {
		if !strings.Contains(cql, "FROM att_history") {
			return nil, false
		}
		return &driver.Result{
			Columns: []string{"time", "time_us", "event"},
			Rows: []driver.Row{
				{time.Unix(1710000000, 0).UTC(), 500000, "add"},
				{time.Unix(1710000500, 0).UTC(), 0, "start"},
			},
		}, true
	})

	events, err := f.conn.GetHistory(context.Background(), testAttr, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1710000000.5, events[0].Timestamp)
	assert.Equal(t, "add", events[0].Event)
}

func TestGetParameters(t *testing.T) {
	f := newFixture(t, nil)
	f.sess.Handler = wrapHandler(f.sess.Handler, func(cql string, args []interface{}) (*driver.Result, bool) {
		if !strings.Contains(cql, "FROM att_parameter") {
			return nil, false
		}
		return &driver.Result{
			Columns: []string{"att_conf_id", "label", "unit"},
			Rows:    []driver.Row{{args[0], "Pressure", "mbar"}},
		}, true
	})

	params, err := f.conn.GetParameters(context.Background(), testAttr, time.Unix(1710000000, 0))
	require.NoError(t, err)
	assert.Equal(t, "Pressure", params["label"])
	assert.Equal(t, "mbar", params["unit"])
}

func TestGetParametersNone(t *testing.T) {
	f := newFixture(t, nil)

	params, err := f.conn.GetParameters(context.Background(), testAttr, time.Unix(1710000000, 0))
	require.NoError(t, err)
	assert.Nil(t, params)
}

// wrapHandler lets a test override a subset of queries while keeping the
// fixture's default behavior for the rest.
func wrapHandler(next drivertest.Handler, override func(cql string, args []interface{}) (*driver.Result, bool)) drivertest.Handler {
	return func(cql string, args []interface{}) (*driver.Result, error) {
		if res, ok := override(cql, args); ok {
			return res, nil
		}
		return next(cql, args)
	}
}
