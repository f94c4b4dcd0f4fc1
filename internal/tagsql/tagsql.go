// Package tagsql wraps database/sql so every query carries the calling
// context through to the driver. It adds no call-site tags to queries.
package tagsql

import (
	"context"
	"database/sql"
)

// DB is a context-carrying handle over *sql.DB.
type DB struct {
	*sql.DB
	driverName string
}

// Open opens a DB for driverName/dataSourceName, same as sql.Open.
func Open(driverName, dataSourceName string) (*DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db, driverName: driverName}, nil
}

// DriverName returns the driver name the DB was opened with.
func (db *DB) DriverName() string { return db.driverName }

// BeginTx starts a transaction bound to ctx, ensuring that a context
// cancellation (client abort, request timeout) cancels the in-flight
// transaction at the driver level rather than leaking it.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, ctx: ctx}, nil
}

// Tx is a context-carrying transaction handle.
type Tx struct {
	*sql.Tx
	ctx context.Context
}

// Context returns the context the transaction was started with.
func (tx *Tx) Context() context.Context { return tx.ctx }

// ExecContext runs an exec using the transaction's own context,
// guaranteeing callers cannot accidentally outlive a disposed session.
func (tx *Tx) ExecContext(query string, args ...any) (sql.Result, error) {
	return tx.Tx.ExecContext(tx.ctx, query, args...)
}

// QueryContext runs a query using the transaction's own context.
func (tx *Tx) QueryContext(query string, args ...any) (*sql.Rows, error) {
	return tx.Tx.QueryContext(tx.ctx, query, args...)
}

// QueryRowContext runs a single-row query using the transaction's own context.
func (tx *Tx) QueryRowContext(query string, args ...any) *sql.Row {
	return tx.Tx.QueryRowContext(tx.ctx, query, args...)
}

// Unbound adapts db to the same ExecContext/QueryContext/QueryRowContext
// shape as Tx, bound to context.Background() instead of a transaction.
// Control-plane callers that talk to the registry database directly
// (the admin store, the tenant registry, the migration job queue) have
// no per-request transaction to attach to, so they run each statement
// autocommit against this handle instead.
func (db *DB) Unbound() *UnboundDB {
	return &UnboundDB{db: db.DB}
}

// UnboundDB runs each statement against context.Background() with no
// enclosing transaction.
type UnboundDB struct {
	db *sql.DB
}

// ExecContext runs an exec against context.Background().
func (u *UnboundDB) ExecContext(query string, args ...any) (sql.Result, error) {
	return u.db.ExecContext(context.Background(), query, args...)
}

// QueryContext runs a query against context.Background().
func (u *UnboundDB) QueryContext(query string, args ...any) (*sql.Rows, error) {
	return u.db.QueryContext(context.Background(), query, args...)
}

// QueryRowContext runs a single-row query against context.Background().
func (u *UnboundDB) QueryRowContext(query string, args ...any) *sql.Row {
	return u.db.QueryRowContext(context.Background(), query, args...)
}
