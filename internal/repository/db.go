package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func conn(db *sql.DB, tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return db
}

// Transactor runs work inside a database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	// WithinClientLock runs fn in a transaction holding the client's advisory
	// lock, so gate checks and the insert they guard see a stable history.
	WithinClientLock(ctx context.Context, clientID string, fn func(tx *sql.Tx) error) error
}

type transactor struct {
	db *sql.DB
}

func NewTransactor(db *sql.DB) Transactor {
	return &transactor{db: db}
}

func (t *transactor) WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Info(err.Error())
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Info(rbErr.Error())
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		slog.Info(err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *transactor) WithinClientLock(ctx context.Context, clientID string, fn func(tx *sql.Tx) error) error {
	return t.WithinTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "client:"+clientID); err != nil {
			slog.Info(err.Error())
			return err
		}
		return fn(tx)
	})
}
