// Package store provides storage backends for Secretaria registration records.
//
// This file implements the PostgreSQL-backed registration store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/saudezap/secretaria/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db    *sql.DB
	keyed *keyedMutex
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db, keyed: newKeyedMutex()}, nil
}

func (s *PostgresStore) Get(phone string) (*models.RegistrationRecord, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT record FROM registrations WHERE phone = $1`, phone).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore Get failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query record for %s: %w", phone, err)
	}
	return decodeRecord(raw)
}

// Upsert performs a read-modify-write for one phone. The row is locked with
// SELECT FOR UPDATE inside the transaction so concurrent workers on other
// processes serialize through the database.
func (s *PostgresStore) Upsert(phone string, mutate func(rec *models.RegistrationRecord) error) (*models.RegistrationRecord, error) {
	unlock := s.keyed.Lock(phone)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction for %s: %w", phone, err)
	}
	defer tx.Rollback()

	var rec *models.RegistrationRecord
	var raw []byte
	err = tx.QueryRow(`SELECT record FROM registrations WHERE phone = $1 FOR UPDATE`, phone).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		rec = models.NewRegistrationRecord(phone, "", time.Now().Unix())
	case err != nil:
		return nil, fmt.Errorf("failed to query record for %s: %w", phone, err)
	default:
		if rec, err = decodeRecord(raw); err != nil {
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
	_, err = tx.Exec(`INSERT INTO registrations (phone, record, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		phone, encoded, time.Now().Unix())
	if err != nil {
		slog.Error("PostgresStore Upsert write failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to write record for %s: %w", phone, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit record for %s: %w", phone, err)
	}
	slog.Debug("PostgresStore Upsert succeeded", "phone", phone, "status", rec.Status)
	return rec, nil
}

func (s *PostgresStore) List() ([]*models.RegistrationRecord, error) {
	rows, err := s.db.Query(`SELECT record FROM registrations ORDER BY phone`)
	if err != nil {
		slog.Error("PostgresStore List query failed", "error", err)
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}
	defer rows.Close()

	var records []*models.RegistrationRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			slog.Error("PostgresStore List scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan registration row: %w", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore List rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate registration rows: %w", err)
	}
	slog.Debug("PostgresStore List succeeded", "count", len(records))
	return records, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}