// Package db is the sqlite implementation of the store port.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"examslots/internal/store"
)

// Every transaction takes the write lock at BEGIN (_txlock=immediate), so
// concurrent read-check-write sequences queue on busy_timeout instead of
// interleaving.
const dsnParams = "_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// DB wraps sql.DB for the booking engine.
type DB struct {
	*sql.DB
	queries
	path string
}

var _ store.Store = (*DB)(nil)

// Open opens the database at path and runs migrations.
func Open(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, dsnParams))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := createTables(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	l := log.With().Str("component", "db").Logger()
	return &DB{
		DB:      conn,
		queries: queries{q: conn, log: l},
		path:    path,
	}, nil
}

// Path is the database file location.
func (db *DB) Path() string { return db.path }

// WithinTx runs fn in one immediate transaction, committing when fn returns nil.
func (db *DB) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&queries{q: tx, log: db.log}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS exam_slots (
            id TEXT PRIMARY KEY,
            date TEXT NOT NULL,
            start_time TEXT NOT NULL,
            end_time TEXT,
            allowed_durations TEXT NOT NULL DEFAULT '[]',
            duration_minutes INTEGER NOT NULL,
            location_name TEXT NOT NULL,
            row_start INTEGER NOT NULL,
            row_end INTEGER NOT NULL,
            default_seats_per_row INTEGER,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            day_exceptions TEXT NOT NULL DEFAULT '[]',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,

		// exam_slot_id has no ON DELETE action: a slot can only be deleted once
		// every booking pointing at it has been tombstoned.
		`CREATE TABLE IF NOT EXISTS bookings (
            id TEXT PRIMARY KEY,
            booking_reference TEXT UNIQUE NOT NULL,
            exam_slot_id TEXT,
            preserved_slot_date TEXT,
            preserved_location_name TEXT,
            booking_start_time TEXT NOT NULL,
            booking_duration_minutes INTEGER NOT NULL,
            selected_rows TEXT NOT NULL DEFAULT '[]',
            first_name TEXT NOT NULL,
            last_name TEXT NOT NULL,
            email TEXT NOT NULL,
            phone TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'CONFIRMED',
            manage_token TEXT UNIQUE NOT NULL,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            FOREIGN KEY (exam_slot_id) REFERENCES exam_slots(id)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_exam_slots_date ON exam_slots(date, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_slot_status ON bookings(exam_slot_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_email ON bookings(email)`,
	}

	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; it runs against the pool or a transaction.
type queries struct {
	q   querier
	log zerolog.Logger
}

var _ store.Tx = (*queries)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// prefixed qualifies every column in a comma separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
