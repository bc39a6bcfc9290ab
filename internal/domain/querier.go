package domain

import (
	"context"
	"database/sql"
)

// Querier is satisfied by *sql.DB, *sql.Tx and the unit-of-work transaction,
// so every repository call can run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AfterCommitter is implemented by transactions that can defer work until
// after a successful commit.
type AfterCommitter interface {
	AfterCommit(fn func(ctx context.Context))
}
