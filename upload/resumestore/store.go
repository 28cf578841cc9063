// Package resumestore persists which chunks of an upload have been confirmed,
// keyed by the file's content fingerprint. The record survives process
// restarts so an interrupted upload can resume where it left off.
package resumestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

const keyPrefix = "upload_"

// KV is the durable key-value capability the store persists records to.
// Implementations must retain written values across process restarts,
// except implementations intended for tests.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) ([]byte, bool, error)
	// Set stores the value under the key, replacing any previous value.
	Set(key string, value []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Store maps a file fingerprint to the sorted set of confirmed chunk indices.
type Store struct {
	kv KV
	mu sync.Mutex
}

// NewStore creates a resume store on top of the given KV.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Load returns the sorted confirmed chunk indices recorded for the
// fingerprint, or an empty slice if there is no record.
func (s *Store) Load(fingerprint string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(fingerprint)
}

// RecordChunk durably adds a confirmed chunk index to the fingerprint's
// record. Recording an index that is already present is a no-op.
// Safe for concurrent calls from multiple upload workers.
func (s *Store) RecordChunk(fingerprint string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices, err := s.load(fingerprint)
	if err != nil {
		return err
	}
	for _, existing := range indices {
		if existing == index {
			return nil
		}
	}
	indices = append(indices, index)
	sort.Ints(indices)

	value, err := json.Marshal(indices)
	if err != nil {
		return fmt.Errorf("encode resume record: %w", err)
	}
	if err := s.kv.Set(recordKey(fingerprint), value); err != nil {
		return fmt.Errorf("persist resume record: %w", err)
	}
	return nil
}

// Clear removes the fingerprint's record. Called after a successful merge.
func (s *Store) Clear(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(recordKey(fingerprint)); err != nil {
		return fmt.Errorf("delete resume record: %w", err)
	}
	return nil
}

func (s *Store) load(fingerprint string) ([]int, error) {
	value, ok, err := s.kv.Get(recordKey(fingerprint))
	if err != nil {
		return nil, fmt.Errorf("read resume record: %w", err)
	}
	if !ok {
		return []int{}, nil
	}

	var indices []int
	if err := json.Unmarshal(value, &indices); err != nil {
		return nil, fmt.Errorf("decode resume record: %w", err)
	}
	sort.Ints(indices)
	return indices, nil
}

func recordKey(fingerprint string) string {
	return keyPrefix + fingerprint
}
