// Package cassandra implements the driver contract on top of gocql. It
// owns the cluster session and exposes paged asynchronous execution the
// way the connector's future bridge expects it: one success callback per
// page, delivered from a per-query goroutine, with explicit next-page
// flow control.
package cassandra

import (
	"context"
	"net"
	"reflect"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver"
)

type Config struct {
	Nodes       []string      `yaml:"nodes"`
	Keyspace    string        `yaml:"keyspace"`
	Consistency string        `yaml:"consistency"`
	Timeout     time.Duration `yaml:"timeout"`
	FetchSize   int           `yaml:"fetch_size"`

	// AddressTranslation rewrites node addresses discovered through
	// gossip, for clients on a different network than the cluster.
	AddressTranslation map[string]string `yaml:"address_translation"`
}

type session struct {
	s         *gocql.Session
	fetchSize int
}

// New connects to the cluster and returns a driver session.
func New(cfg Config) (driver.Session, error) {
	nodes := cfg.Nodes
	if len(nodes) == 0 {
		nodes = []string{"localhost"}
	}

	cluster := gocql.NewCluster(nodes...)
	cluster.Keyspace = cfg.Keyspace

	cluster.Consistency = gocql.One
	if cfg.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
		if err != nil {
			return nil, errors.Wrap(err, "invalid consistency level")
		}
		cluster.Consistency = c
	}

	cluster.Timeout = cfg.Timeout
	if cluster.Timeout == 0 {
		cluster.Timeout = 60 * time.Second
	}

	if len(cfg.AddressTranslation) > 0 {
		cluster.AddressTranslator = translator(cfg.AddressTranslation)
	}

	s, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.Wrap(err, "connecting to cassandra")
	}

	fetchSize := cfg.FetchSize
	if fetchSize == 0 {
		fetchSize = 50000
	}

	return &session{s: s, fetchSize: fetchSize}, nil
}

func translator(addrMap map[string]string) gocql.AddressTranslator {
	return gocql.AddressTranslatorFunc(func(addr net.IP, port int) (net.IP, int) {
		if translated, ok := addrMap[addr.String()]; ok {
			if ip := net.ParseIP(translated); ip != nil {
				return ip, port
			}
		}
		return addr, port
	})
}

type statement struct {
	cql string
}

func (s statement) CQL() string { return s.cql }

// Prepare returns a statement handle. gocql prepares and caches statements
// on the cluster transparently at first execution, so this cannot fail
// here; a broken statement surfaces as a permanent error at query time.
func (s *session) Prepare(_ context.Context, cql string) (driver.Statement, error) {
	return statement{cql: cql}, nil
}

func (s *session) Execute(ctx context.Context, stmt driver.Statement, args ...interface{}) (*driver.Result, error) {
	iter := s.s.Query(stmt.CQL(), args...).WithContext(ctx).PageSize(s.fetchSize).Iter()
	cols, rows, err := scanAll(iter)
	if err != nil {
		return nil, classify(err)
	}
	return &driver.Result{Columns: cols, Rows: rows}, nil
}

func (s *session) ExecuteAsync(stmt driver.Statement, args ...interface{}) driver.ResultFuture {
	rf := &resultFuture{
		ready:   make(chan struct{}),
		next:    make(chan struct{}, 1),
		hasMore: atomic.NewBool(false),
	}
	go rf.run(s, stmt.CQL(), args)
	return rf
}

func (s *session) Close() {
	s.s.Close()
}

type resultFuture struct {
	onPage  func(driver.Page)
	onErr   func(error)
	ready   chan struct{}
	next    chan struct{}
	hasMore *atomic.Bool
}

func (rf *resultFuture) AddCallbacks(onPage func(driver.Page), onErr func(error)) {
	rf.onPage = onPage
	rf.onErr = onErr
	close(rf.ready)
}

func (rf *resultFuture) HasMorePages() bool {
	return rf.hasMore.Load()
}

func (rf *resultFuture) StartFetchingNextPage() {
	select {
	case rf.next <- struct{}{}:
	default:
	}
}

// run fetches pages one at a time. Setting an explicit page state disables
// gocql's automatic paging, so every Iter holds exactly one page.
func (rf *resultFuture) run(s *session, cql string, args []interface{}) {
	<-rf.ready

	var state []byte
	for {
		iter := s.s.Query(cql, args...).PageSize(s.fetchSize).PageState(state).Iter()
		cols, rows, err := scanAll(iter)
		if err != nil {
			rf.onErr(classify(err))
			return
		}

		state = iter.PageState()
		rf.hasMore.Store(len(state) > 0)
		rf.onPage(driver.Page{Columns: cols, Rows: rows})

		if len(state) == 0 {
			return
		}
		<-rf.next
	}
}

func scanAll(iter *gocql.Iter) ([]string, []driver.Row, error) {
	colInfos := iter.Columns()
	cols := make([]string, len(colInfos))
	for i, ci := range colInfos {
		cols[i] = ci.Name
	}

	var rows []driver.Row
	for {
		dest := make([]interface{}, len(colInfos))
		for i, ci := range colInfos {
			dest[i] = ci.TypeInfo.New()
		}
		if !iter.Scan(dest...) {
			break
		}
		row := make(driver.Row, len(dest))
		for i, d := range dest {
			row[i] = normalize(reflect.ValueOf(d).Elem().Interface())
		}
		rows = append(rows, row)
	}

	if err := iter.Close(); err != nil {
		return nil, nil, err
	}
	return cols, rows, nil
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case gocql.UUID:
		return uuid.UUID(t)
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

type classifiedError struct {
	err       error
	transient bool
}

func (e *classifiedError) Error() string   { return e.err.Error() }
func (e *classifiedError) Unwrap() error   { return e.err }
func (e *classifiedError) Transient() bool { return e.transient }

// classify tags driver errors as transient or permanent. Timeouts,
// overload and unavailable coordinators are worth retrying; invalid
// requests and schema mismatches are not.
func classify(err error) error {
	if err == nil {
		return nil
	}

	transient := false
	switch {
	case errors.Is(err, gocql.ErrTimeoutNoResponse),
		errors.Is(err, gocql.ErrNoConnections),
		errors.Is(err, gocql.ErrConnectionClosed),
		errors.Is(err, context.DeadlineExceeded):
		transient = true
	default:
		var re gocql.RequestError
		if errors.As(err, &re) {
			switch re.Code() {
			case gocql.ErrCodeUnavailable,
				gocql.ErrCodeOverloaded,
				gocql.ErrCodeBootstrapping,
				gocql.ErrCodeReadTimeout,
				gocql.ErrCodeWriteTimeout:
				transient = true
			}
		}
	}

	return &classifiedError{err: err, transient: transient}
}
