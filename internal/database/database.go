package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DB is the record store. Inside InTx it is bound to the transaction.
type DB struct {
	conn sqlx.ExtContext
	root *sqlx.DB
}

// New creates a new database connection
func New(path string) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Connect with WAL mode and foreign keys enabled
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer, and an in-memory database lives in one connection
	db.SetMaxOpenConns(1)

	return Wrap(db), nil
}

// Wrap uses an existing connection pool
func Wrap(db *sqlx.DB) *DB {
	return &DB{conn: db, root: db}
}

// Close closes the underlying pool
func (db *DB) Close() error {
	if db.root == nil {
		return nil
	}
	return db.root.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// InTx runs fn inside one transaction. Nested calls join the outer transaction.
func (db *DB) InTx(ctx context.Context, fn func(tx *DB) error) error {
	if db.root == nil {
		return fn(db)
	}

	tx, err := db.root.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&DB{conn: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, db.conn, dest, query, args...)
}

func (db *DB) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, db.conn, dest, query, args...)
}
