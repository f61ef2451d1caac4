package store

import (
	"context"
	"database/sql"

	"github.com/letsencrypt/borp"
)

// These interfaces narrow borp's *borp.DbMap / *borp.Transaction down
// to the handful of methods each store operation actually needs, so
// unit tests can pass a fake instead of opening sqlite.
//
// Every method of these interfaces takes the request context as its
// first argument.

// OneSelector is anything that provides a SelectOne function.
type OneSelector interface {
	SelectOne(context.Context, interface{}, string, ...interface{}) error
}

// Selector is anything that provides a Select function.
type Selector interface {
	Select(context.Context, interface{}, string, ...interface{}) ([]interface{}, error)
}

// Inserter is anything that provides an Insert function.
type Inserter interface {
	Insert(ctx context.Context, list ...interface{}) error
}

// Execer is anything that provides an ExecContext function.
type Execer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}

// SelectExecer offers a subset of borp.SqlExecutor's methods.
type SelectExecer interface {
	Selector
	Execer
}

// DatabaseMap offers the full combination of OneSelector, Inserter,
// SelectExecer, plus BeginTx for starting a Transaction.
type DatabaseMap interface {
	OneSelector
	Inserter
	SelectExecer
	BeginTx(context.Context) (*borp.Transaction, error)
}

// Executor is the combination of OneSelector, Inserter, and
// SelectExecer used inside a transaction, plus Update for in-place
// row mutation (revocation, ownership/integrity transitions).
type Executor interface {
	OneSelector
	Inserter
	SelectExecer
	Update(ctx context.Context, list ...interface{}) (int64, error)
}
