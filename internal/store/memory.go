// Package store provides storage backends for Secretaria registration records.
//
// This file implements the in-memory store used in tests and development.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/saudezap/secretaria/internal/models"
)

// InMemoryStore keeps registration records in a map. Records are deep-copied
// on the way in and out so callers cannot mutate stored state outside Upsert.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	keyed   *keyedMutex
}

// NewInMemoryStore creates an empty in-memory registration store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string][]byte),
		keyed:   newKeyedMutex(),
	}
}

func (s *InMemoryStore) Get(phone string) (*models.RegistrationRecord, error) {
	s.mu.RLock()
	raw, ok := s.records[phone]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeRecord(raw)
}

func (s *InMemoryStore) Upsert(phone string, mutate func(rec *models.RegistrationRecord) error) (*models.RegistrationRecord, error) {
	unlock := s.keyed.Lock(phone)
	defer unlock()

	rec, err := s.Get(phone)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = models.NewRegistrationRecord(phone, "", time.Now().Unix())
	}
	if err := mutate(rec); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record for %s: %w", phone, err)
	}
	s.mu.Lock()
	s.records[phone] = raw
	s.mu.Unlock()
	return rec, nil
}

func (s *InMemoryStore) List() ([]*models.RegistrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phones := make([]string, 0, len(s.records))
	for phone := range s.records {
		phones = append(phones, phone)
	}
	sort.Strings(phones)

	records := make([]*models.RegistrationRecord, 0, len(phones))
	for _, phone := range phones {
		rec, err := decodeRecord(s.records[phone])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func decodeRecord(raw []byte) (*models.RegistrationRecord, error) {
	var rec models.RegistrationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}
