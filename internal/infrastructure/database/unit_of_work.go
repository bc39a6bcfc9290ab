package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"eventrelay/internal/domain"
)

// Tx is the transaction handed to unit-of-work blocks. It satisfies
// domain.Querier through the embedded *sql.Tx and collects hooks that run
// only after a successful commit.
type Tx struct {
	*sql.Tx
	afterCommit []func(ctx context.Context)
}

var (
	_ domain.Querier        = (*Tx)(nil)
	_ domain.AfterCommitter = (*Tx)(nil)
)

func (t *Tx) AfterCommit(fn func(ctx context.Context)) {
	t.afterCommit = append(t.afterCommit, fn)
}

type UnitOfWork struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewUnitOfWork(db *sql.DB, logger *zap.Logger) *UnitOfWork {
	return &UnitOfWork{db: db, logger: logger}
}

// Do runs fn in one transaction. An error or panic from fn rolls back; the
// panic is re-raised after rollback.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{Tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			u.logger.Error("Panic inside unit of work, rolling back", zap.Any("panic", p))
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			u.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, hook := range tx.afterCommit {
		u.runHook(ctx, hook)
	}
	return nil
}

func (u *UnitOfWork) runHook(ctx context.Context, hook func(ctx context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			u.logger.Error("After-commit hook panicked", zap.Any("panic", p))
		}
	}()
	hook(ctx)
}

// Run is Do for callers that only need a domain.Querier.
func (u *UnitOfWork) Run(ctx context.Context, fn func(ctx context.Context, querier domain.Querier) error) error {
	return u.Do(ctx, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

// Execute is Do for blocks that produce a value.
func Execute[T any](ctx context.Context, u *UnitOfWork, fn func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var result T
	err := u.Do(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		result, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
