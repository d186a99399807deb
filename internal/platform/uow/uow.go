// Package uow implements the transactional unit-of-work every intent
// handler executes inside (spec.md §4.6, §5): BEGIN, do the canonical
// turn's work against a *sql.Tx, COMMIT or ROLLBACK as one ACID unit.
//
// Storage packages (eventstore, entitygraph, projection, snapshot,
// subscription) accept a context carrying the active UoW rather than a
// *sql.DB directly, so a single call tree shares one transaction without
// threading a transaction parameter through every method signature.
package uow

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, letting storage code
// run unchanged whether or not a transaction is active.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork wraps a single *sql.Tx bound to one database connection.
type UnitOfWork struct {
	tx *sql.Tx
}

type uowKey struct{}

// FromContext extracts the active UnitOfWork, or nil if none is bound.
func FromContext(ctx context.Context) *UnitOfWork {
	uow, _ := ctx.Value(uowKey{}).(*UnitOfWork)
	return uow
}

// WithContext returns a context carrying uow.
func WithContext(ctx context.Context, uow *UnitOfWork) context.Context {
	return context.WithValue(ctx, uowKey{}, uow)
}

// QuerierFrom returns the active transaction's Querier if ctx carries one,
// otherwise falls back to db. Storage methods call this so they work
// whether or not the caller opened a UoW.
func QuerierFrom(ctx context.Context, db *sql.DB) Querier {
	if u := FromContext(ctx); u != nil {
		return u.tx
	}
	return db
}

// Tx exposes the underlying transaction for callers (e.g. sequence
// allocation) that need row-level locking primitives beyond Querier.
func (u *UnitOfWork) Tx() *sql.Tx { return u.tx }

// Begin opens a new UnitOfWork at Read Committed isolation, which
// suffices per spec.md §5: OCC and unique constraints provide
// the serializability the mutated rows need.
func Begin(ctx context.Context, db *sql.DB) (context.Context, *UnitOfWork, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	u := &UnitOfWork{tx: tx}
	return WithContext(ctx, u), u, nil
}

// Commit commits the unit of work.
func (u *UnitOfWork) Commit() error {
	return u.tx.Commit()
}

// Rollback aborts the unit of work. Rollback after Commit (sql.ErrTxDone
// from database/sql) is a no-op and returns nil.
func (u *UnitOfWork) Rollback() error {
	err := u.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// Run executes fn inside a freshly begun UnitOfWork: commits on success,
// rolls back and returns fn's error on failure (annotated with the
// rollback error, if rollback itself fails). This is the "canonical turn" shape every
// intent handler follows (spec.md §4.6 step 1-8).
func Run(ctx context.Context, db *sql.DB, fn func(ctx context.Context, u *UnitOfWork) error) error {
	txCtx, u, err := Begin(ctx, db)
	if err != nil {
		return err
	}

	if err := fn(txCtx, u); err != nil {
		if rbErr := u.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	return u.Commit()
}
