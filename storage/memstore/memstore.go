// Package memstore keeps recovered data and bookkeeping in process memory.
package memstore

import (
	"context"
	"sync"

	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/storage"
)

// Store is an in-memory storage.Backend.
type Store struct {
	mu      sync.RWMutex
	data    map[storage.RegionKey][]byte
	regions map[storage.RegionKey]storage.RegionRecord
	cores   map[machine.Core]storage.CoreRecord
}

var _ storage.Backend = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		data:    make(map[storage.RegionKey][]byte),
		regions: make(map[storage.RegionKey]storage.RegionRecord),
		cores:   make(map[machine.Core]storage.CoreRecord),
	}
}

// Name implements storage.Backend.
func (s *Store) Name() string { return "memory" }

// Region implements storage.Backend.
func (s *Store) Region(key storage.RegionKey) storage.RegionData {
	return &region{store: s, key: key}
}

// PutState implements storage.Backend.
func (s *Store) PutState(_ context.Context, key storage.RegionKey, rec storage.RegionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[key] = rec
	return nil
}

// State implements storage.Backend.
func (s *Store) State(_ context.Context, key storage.RegionKey) (storage.RegionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.regions[key]
	return rec, ok, nil
}

// PutCoreState implements storage.Backend.
func (s *Store) PutCoreState(_ context.Context, core machine.Core, rec storage.CoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.LastReceived = clone(rec.LastReceived)
	rec.LastSent = clone(rec.LastSent)
	s.cores[core] = rec
	return nil
}

// CoreState implements storage.Backend.
func (s *Store) CoreState(_ context.Context, core machine.Core) (storage.CoreRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cores[core]
	return rec, ok, nil
}

// Clear implements storage.Backend.
func (s *Store) Clear(_ context.Context, key storage.RegionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	delete(s.regions, key)
	return nil
}

// Close implements storage.Backend. Data stays readable.
func (s *Store) Close() error { return nil }

// Destroy implements storage.Backend.
func (s *Store) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	clear(s.regions)
	clear(s.cores)
	return nil
}

type region struct {
	store *Store
	key   storage.RegionKey
}

func (r *region) Append(_ context.Context, data []byte) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.data[r.key] = append(r.store.data[r.key], data...)
	return nil
}

func (r *region) Bytes(_ context.Context) ([]byte, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return clone(r.store.data[r.key]), nil
}

func (r *region) Len(_ context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.data[r.key]), nil
}

func (r *region) Clear(_ context.Context) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.data, r.key)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
