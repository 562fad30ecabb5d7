package pool

import "context"

// Driver is the narrow contract the pool depends on. It hides the concrete
// datastore client so the pool can be exercised against in-memory fakes.
type Driver interface {
	// Connect opens a single dedicated connection. The context bounds the
	// connection attempt.
	Connect(ctx context.Context, dsn string) (Conn, error)
	// Fatal reports whether an error returned by a connection indicates the
	// underlying connection is no longer usable.
	Fatal(err error) bool
}

// Conn is one leased datastore connection.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Row is a single-row result.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row result set.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Tx is a datastore transaction bound to one connection.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
