package resumestore

import "sync"

// MemoryKV is an in-memory KV for tests. It does not survive restarts.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryKV ...
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: map[string][]byte{}}
}

// Get ...
func (kv *MemoryKV) Get(key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	value, ok := kv.values[key]
	if !ok {
		return nil, false, nil
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, true, nil
}

// Set ...
func (kv *MemoryKV) Set(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	copied := make([]byte, len(value))
	copy(copied, value)
	kv.values[key] = copied
	return nil
}

// Delete ...
func (kv *MemoryKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	delete(kv.values, key)
	return nil
}
