package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the postgres connection and stores each blob as one row
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.createTables(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// Name identifies the backend in logs
func (db *DB) Name() string {
	return "postgres"
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// createTables creates the necessary tables
func (db *DB) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bot_state (
			name TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// SaveBlobs replaces the whole stored blob set in one transaction
func (db *DB) SaveBlobs(ctx context.Context, blobs map[string][]byte) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_state`); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bot_state (name, data, updated_at) VALUES ($1, $2, now())`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for name, data := range blobs {
		if _, err := stmt.ExecContext(ctx, name, string(data)); err != nil {
			return fmt.Errorf("failed to save blob %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// LoadBlobs reads every stored blob
func (db *DB) LoadBlobs(ctx context.Context) (map[string][]byte, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT name, data FROM bot_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	defer rows.Close()

	blobs := make(map[string][]byte)
	for rows.Next() {
		var (
			name string
			data []byte
		)
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		blobs[name] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read state rows: %w", err)
	}
	return blobs, nil
}
