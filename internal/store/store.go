// Package store provides storage backends for Secretaria registration records.
//
// Backends: in-memory (tests/dev), SQLite (default), and PostgreSQL. All
// backends serialize read-modify-write per phone and replace the whole record
// atomically.
package store

import (
	"strings"
	"sync"

	"github.com/saudezap/secretaria/internal/models"
)

// RegistrationStore is the durable per-phone registration state store.
//
// Upsert runs mutate inside the per-phone critical section. When no record
// exists for the phone, mutate receives a fresh pending record; the mutator is
// responsible for setting InitiatedBy. Returning an error from mutate aborts
// the write and leaves the stored record untouched.
type RegistrationStore interface {
	Get(phone string) (*models.RegistrationRecord, error)
	Upsert(phone string, mutate func(rec *models.RegistrationRecord) error) (*models.RegistrationRecord, error)
	List() ([]*models.RegistrationRecord, error)
	Close() error
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN string
}

// Option defines a functional option for store configuration.
type Option func(*Opts)

// WithDSN sets the database DSN (SQLite file path or Postgres URL).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType determines the database driver for a DSN. Postgres URLs and
// key=value connection strings map to "postgres"; everything else is treated
// as an SQLite file path and maps to "sqlite3".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// keyedMutex serializes operations per phone so concurrent webhook deliveries
// for the same phone cannot clobber each other. Different phones proceed in
// parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for a key, creating it on first use. The returned
// function releases it.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
