// Package store provides storage backends for Secretaria registration records.
//
// This file implements the SQLite-backed registration store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/saudezap/secretaria/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db    *sql.DB
	keyed *keyedMutex
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, keyed: newKeyedMutex()}, nil
}

func (s *SQLiteStore) Get(phone string) (*models.RegistrationRecord, error) {
	var raw string
	err := s.db.QueryRow(`SELECT record FROM registrations WHERE phone = ?`, phone).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore Get failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query record for %s: %w", phone, err)
	}
	return decodeRecord([]byte(raw))
}

// Upsert performs a read-modify-write for one phone. The per-phone mutex
// serializes in-process callers; the transaction makes the whole-record
// replace atomic on disk.
func (s *SQLiteStore) Upsert(phone string, mutate func(rec *models.RegistrationRecord) error) (*models.RegistrationRecord, error) {
	unlock := s.keyed.Lock(phone)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction for %s: %w", phone, err)
	}
	defer tx.Rollback()

	var rec *models.RegistrationRecord
	var raw string
	err = tx.QueryRow(`SELECT record FROM registrations WHERE phone = ?`, phone).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		rec = models.NewRegistrationRecord(phone, "", time.Now().Unix())
	case err != nil:
		return nil, fmt.Errorf("failed to query record for %s: %w", phone, err)
	default:
		if rec, err = decodeRecord([]byte(raw)); err != nil {
			return nil, err
		}
	}

	if err := mutate(rec); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record for %s: %w", phone, err)
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO registrations (phone, record, updated_at) VALUES (?, ?, ?)`,
		phone, string(encoded), time.Now().Unix())
	if err != nil {
		slog.Error("SQLiteStore Upsert write failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to write record for %s: %w", phone, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit record for %s: %w", phone, err)
	}
	slog.Debug("SQLiteStore Upsert succeeded", "phone", phone, "status", rec.Status)
	return rec, nil
}

func (s *SQLiteStore) List() ([]*models.RegistrationRecord, error) {
	rows, err := s.db.Query(`SELECT record FROM registrations ORDER BY phone`)
	if err != nil {
		slog.Error("SQLiteStore List query failed", "error", err)
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}
	defer rows.Close()

	var records []*models.RegistrationRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			slog.Error("SQLiteStore List scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan registration row: %w", err)
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore List rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate registration rows: %w", err)
	}
	slog.Debug("SQLiteStore List succeeded", "count", len(records))
	return records, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
