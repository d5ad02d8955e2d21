package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ctxKey int

const txKey ctxKey = iota

// DBTX is the common query interface satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// txState is what a transactional context carries.
type txState struct {
	tx pgx.Tx

	mu    sync.Mutex
	hooks []func(context.Context)
}

// TxManager runs work in a transaction propagated through the context.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithTransaction executes fn inside a database transaction, committing when
// fn returns nil. When ctx already carries a transaction fn joins it, and the
// outermost call decides the outcome. After-commit hooks run once the
// outermost transaction has committed and are dropped on rollback.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(*txState); ok {
		return fn(ctx)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	state := &txState{tx: tx}
	txCtx := context.WithValue(ctx, txKey, state)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed (%v) after error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	state.mu.Lock()
	hooks := state.hooks
	state.hooks = nil
	state.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx)
	}
	return nil
}

// InTransaction reports whether ctx carries a transaction started by WithTransaction.
func (m *TxManager) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey).(*txState)
	return ok
}

// AfterCommit registers fn to run after the transaction in ctx commits. It
// returns false, without calling fn, when ctx has no transaction.
func (m *TxManager) AfterCommit(ctx context.Context, fn func(context.Context)) bool {
	state, ok := ctx.Value(txKey).(*txState)
	if !ok {
		return false
	}
	state.mu.Lock()
	state.hooks = append(state.hooks, fn)
	state.mu.Unlock()
	return true
}

// ConnFromCtx returns the transaction from context if present, otherwise the pool.
func ConnFromCtx(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if state, ok := ctx.Value(txKey).(*txState); ok {
		return state.tx
	}
	return pool
}
