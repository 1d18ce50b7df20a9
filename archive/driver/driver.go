// Package driver defines the contract the archive connector needs from a
// wide-column database driver: prepared statements, synchronous execution
// for small metadata reads, and paged asynchronous execution where pages
// and errors are delivered by callbacks on the driver's own goroutines.
//
// The connector never talks to a concrete driver; production wiring uses
// the gocql-backed implementation in the cassandra subpackage and tests
// substitute fakes.
package driver

import "context"

// Row is one result row with columns in statement select order. Values are
// normalized Go types: time.Time for timestamps, uuid.UUID for uuids,
// plain ints/floats/bools/strings for the scalar column types.
type Row []interface{}

// Result is a fully assembled result table.
type Result struct {
	Columns []string
	Rows    []Row
}

// Page is one page of an asynchronously executing statement.
type Page struct {
	Columns []string
	Rows    []Row
}

// ResultFuture is the driver-side async result. Callbacks run on driver
// goroutines; the success callback is invoked once per page. During a
// success callback the receiver reports whether more pages remain and, if
// so, must be told to fetch the next one.
type ResultFuture interface {
	AddCallbacks(onPage func(Page), onErr func(error))
	HasMorePages() bool
	StartFetchingNextPage()
}

// Statement is a prepared read.
type Statement interface {
	CQL() string
}

// Session is a connected database session.
type Session interface {
	Prepare(ctx context.Context, cql string) (Statement, error)
	Execute(ctx context.Context, stmt Statement, args ...interface{}) (*Result, error)
	ExecuteAsync(stmt Statement, args ...interface{}) ResultFuture
	Close()
}

// TransientError marks driver errors worth retrying (timeouts, overload,
// unavailable coordinators). Permanent errors (invalid request, schema
// mismatch) do not implement it, or report false.
type TransientError interface {
	Transient() bool
}

// IsTransient reports whether err is classified as retriable.
func IsTransient(err error) bool {
	te, ok := err.(TransientError)
	return ok && te.Transient()
}
