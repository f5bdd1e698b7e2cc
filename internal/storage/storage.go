// Package storage is the Postgres persistence layer. One DB handle exposes
// repository methods per entity family; the pipeline, memory and backtest
// packages consume narrow interfaces that this type satisfies.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DB wraps the SQL connection pool.
type DB struct {
	conn *sql.DB
	log  *zap.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string, log *zap.Logger) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	return &DB{conn: conn, log: log.Named("storage")}, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.log.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}
