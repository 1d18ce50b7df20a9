// Package drivertest provides an in-memory driver implementation for
// connector and bridge tests. Results are produced by a pluggable handler,
// split into pages, and delivered from a separate goroutine to mimic the
// real driver's callback threading.
package drivertest

import (
	"context"
	"sync"
	"time"

	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver"
)

// Query records one executed statement.
type Query struct {
	CQL  string
	Args []interface{}
}

// Handler produces the result of a query.
type Handler func(cql string, args []interface{}) (*driver.Result, error)

// Session is a fake driver.Session.
type Session struct {
	// PageSize splits async results into pages of this many rows.
	// Zero delivers everything in one page.
	PageSize int
	// Delay is applied to every async query before it resolves.
	Delay time.Duration
	// Handler produces results. Nil means every query returns an empty
	// result.
	Handler Handler
	// PrepareFail, when set, can veto individual statements.
	PrepareFail func(cql string) error

	mtx       sync.Mutex
	queries   []Query
	active    int
	maxActive int
}

type stmt struct {
	cql string
}

func (s stmt) CQL() string { return s.cql }

func (s *Session) Prepare(_ context.Context, cql string) (driver.Statement, error) {
	if s.PrepareFail != nil {
		if err := s.PrepareFail(cql); err != nil {
			return nil, err
		}
	}
	return stmt{cql: cql}, nil
}

func (s *Session) Execute(_ context.Context, st driver.Statement, args ...interface{}) (*driver.Result, error) {
	s.record(st.CQL(), args)
	return s.handle(st.CQL(), args)
}

func (s *Session) ExecuteAsync(st driver.Statement, args ...interface{}) driver.ResultFuture {
	s.record(st.CQL(), args)
	rf := &fakeFuture{
		sess:  s,
		cql:   st.CQL(),
		args:  args,
		ready: make(chan struct{}),
		next:  make(chan struct{}, 1),
	}
	go rf.run()
	return rf
}

func (s *Session) Close() {}

// Queries returns every executed statement in submission order.
func (s *Session) Queries() []Query {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]Query, len(s.queries))
	copy(out, s.queries)
	return out
}

// QueryCount returns how many statements matched by match were executed.
// A nil match counts everything.
func (s *Session) QueryCount(match func(Query) bool) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := 0
	for _, q := range s.queries {
		if match == nil || match(q) {
			n++
		}
	}
	return n
}

// MaxConcurrent reports the peak number of async queries in flight.
func (s *Session) MaxConcurrent() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.maxActive
}

func (s *Session) record(cql string, args []interface{}) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.queries = append(s.queries, Query{CQL: cql, Args: args})
}

func (s *Session) handle(cql string, args []interface{}) (*driver.Result, error) {
	if s.Handler == nil {
		return &driver.Result{}, nil
	}
	return s.Handler(cql, args)
}

func (s *Session) enter() {
	s.mtx.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mtx.Unlock()
}

func (s *Session) leave() {
	s.mtx.Lock()
	s.active--
	s.mtx.Unlock()
}

type fakeFuture struct {
	sess  *Session
	cql   string
	args  []interface{}
	ready chan struct{}
	next  chan struct{}

	mtx     sync.Mutex
	onPage  func(driver.Page)
	onErr   func(error)
	hasMore bool
}

func (rf *fakeFuture) AddCallbacks(onPage func(driver.Page), onErr func(error)) {
	rf.onPage = onPage
	rf.onErr = onErr
	close(rf.ready)
}

func (rf *fakeFuture) HasMorePages() bool {
	rf.mtx.Lock()
	defer rf.mtx.Unlock()
	return rf.hasMore
}

func (rf *fakeFuture) StartFetchingNextPage() {
	select {
	case rf.next <- struct{}{}:
	default:
	}
}

func (rf *fakeFuture) run() {
	<-rf.ready

	rf.sess.enter()
	if rf.sess.Delay > 0 {
		time.Sleep(rf.sess.Delay)
	}
	res, err := rf.sess.handle(rf.cql, rf.args)
	rf.sess.leave()

	if err != nil {
		rf.onErr(err)
		return
	}

	pages := paginate(res, rf.sess.PageSize)
	for i, page := range pages {
		rf.mtx.Lock()
		rf.hasMore = i < len(pages)-1
		more := rf.hasMore
		rf.mtx.Unlock()

		rf.onPage(page)
		if more {
			<-rf.next
		}
	}
}

func paginate(res *driver.Result, pageSize int) []driver.Page {
	if pageSize <= 0 || len(res.Rows) <= pageSize {
		return []driver.Page{{Columns: res.Columns, Rows: res.Rows}}
	}
	var pages []driver.Page
	for i := 0; i < len(res.Rows); i += pageSize {
		end := i + pageSize
		if end > len(res.Rows) {
			end = len(res.Rows)
		}
		pages = append(pages, driver.Page{Columns: res.Columns, Rows: res.Rows[i:end]})
	}
	return pages
}
