package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB wraps the SQLite connection pool.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB opens the database and creates tables if they don't exist.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Immediate transactions take the write lock up front so concurrent
	// read-modify-write sequences wait on busy_timeout instead of failing.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "db").Logger()

	instance := &DB{DB: conn, path: path, logger: &l}
	if err := instance.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	instance.logger.Info().Str("path", path).Msg("database initialized")
	return instance, nil
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS slots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			experience_type TEXT NOT NULL,
			slot_date TEXT NOT NULL,
			slot_time TEXT NOT NULL DEFAULT '',
			capacity INTEGER NOT NULL CHECK (capacity >= 0),
			occupied INTEGER NOT NULL DEFAULT 0,
			blocked BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (experience_type, slot_date, slot_time),
			CHECK (occupied >= 0 AND occupied <= capacity)
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			experience_type TEXT NOT NULL,
			customer_name TEXT NOT NULL DEFAULT '',
			customer_email TEXT NOT NULL DEFAULT '',
			customer_phone TEXT NOT NULL DEFAULT '',
			check_in DATETIME NOT NULL,
			check_out DATETIME,
			time_slot TEXT NOT NULL DEFAULT '',
			guest_count INTEGER NOT NULL CHECK (guest_count >= 1),
			price_total INTEGER NOT NULL DEFAULT 0,
			amount_due INTEGER NOT NULL DEFAULT 0,
			voucher_code TEXT,
			sauna_addon BOOLEAN NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			payment_status TEXT NOT NULL DEFAULT 'pending',
			payment_reference TEXT UNIQUE,
			origin TEXT NOT NULL DEFAULT 'direct',
			external_event_id TEXT UNIQUE,
			occupancy_applied BOOLEAN NOT NULL DEFAULT 0,
			refund_required BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			CHECK ((origin = 'external') = (external_event_id IS NOT NULL))
		)`,
		`CREATE TABLE IF NOT EXISTS payment_effects (
			reservation_id INTEGER NOT NULL,
			payment_reference TEXT NOT NULL,
			applied_at DATETIME NOT NULL,
			PRIMARY KEY (reservation_id, payment_reference),
			FOREIGN KEY (reservation_id) REFERENCES reservations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS unmatched_payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payment_reference TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			amount INTEGER NOT NULL DEFAULT 0,
			reservation_id INTEGER,
			reason TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			UNIQUE (payment_reference, reason)
		)`,
		`CREATE TABLE IF NOT EXISTS notification_log (
			reservation_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'claimed',
			recipients TEXT NOT NULL DEFAULT '',
			claimed_at DATETIME NOT NULL,
			sent_at DATETIME,
			PRIMARY KEY (reservation_id, kind),
			FOREIGN KEY (reservation_id) REFERENCES reservations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS vouchers (
			code TEXT PRIMARY KEY,
			face_value INTEGER NOT NULL CHECK (face_value > 0),
			spent INTEGER NOT NULL DEFAULT 0,
			recipient TEXT NOT NULL DEFAULT '',
			purchaser TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			CHECK (spent >= 0 AND spent <= face_value)
		)`,
		`CREATE TABLE IF NOT EXISTS voucher_redemptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL,
			reservation_id INTEGER NOT NULL,
			amount INTEGER NOT NULL CHECK (amount > 0),
			redeemed_at DATETIME NOT NULL,
			FOREIGN KEY (code) REFERENCES vouchers(code)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_slots_type_date ON slots(experience_type, slot_date)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status, origin)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_check_in ON reservations(check_in)`,
		`CREATE INDEX IF NOT EXISTS idx_voucher_redemptions_code ON voucher_redemptions(code)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", trimSQL(query), err)
		}
	}
	return db.ensureNewColumns()
}

// ensureNewColumns adds columns introduced after the first schema revision.
func (db *DB) ensureNewColumns() error {
	migrations := []string{
		`ALTER TABLE reservations ADD COLUMN refund_required BOOLEAN NOT NULL DEFAULT 0`,
		`ALTER TABLE reservations ADD COLUMN sauna_addon BOOLEAN NOT NULL DEFAULT 0`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration %s: %w", trimSQL(m), err)
		}
	}
	return nil
}

// WithTx runs fn inside an immediate transaction and commits when it returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Tx exposes the write operations that must compose atomically.
type Tx struct {
	tx *sql.Tx
}

// Savepoint runs fn under a savepoint and rolls only its own writes back when it fails.
func (t *Tx) Savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("rollback to %s: %w", name, rbErr)
		}
		_, _ = t.tx.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func trimSQL(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 80 {
		return q[:80] + "..."
	}
	return q
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *DB) Close() error {
	return db.DB.Close()
}
