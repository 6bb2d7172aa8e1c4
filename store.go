package main

import (
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// StateStore is the persistence transport the learning core requires: load a
// blob, save a blob, keyed by zone. Writers for the same zone must be
// serialized by the caller; the zone runtime guarantees that by construction.
type StateStore interface {
	// Load returns the stored blob for a zone, or nil when none exists.
	Load(zone string) ([]byte, error)
	// Save stores the blob for a zone, replacing any previous value.
	Save(zone string, data []byte) error
	// Close releases the underlying storage.
	Close() error
}

// BadgerStore persists zone state blobs in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (creating if needed) the state database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logging is too chatty for a control daemon
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func stateKey(zone string) []byte {
	return []byte("zone-state/" + zone)
}

// Load implements StateStore.
func (s *BadgerStore) Load(zone string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(zone))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state for zone %s: %w", zone, err)
	}
	return data, nil
}

// Save implements StateStore.
func (s *BadgerStore) Save(zone string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(zone), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save state for zone %s: %w", zone, err)
	}
	return nil
}

// Close implements StateStore.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// MemoryStore is an in-memory StateStore used in tests and dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Load implements StateStore.
func (s *MemoryStore) Load(zone string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[zone]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// Save implements StateStore.
func (s *MemoryStore) Save(zone string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[zone] = append([]byte(nil), data...)
	return nil
}

// Close implements StateStore.
func (s *MemoryStore) Close() error {
	return nil
}
