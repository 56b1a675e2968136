package store

import (
	"errors"
	"sync"
)

// Persistence is the durable key/value substrate the store snapshots into.
// *DB and *MemoryPersistence satisfy it.
type Persistence interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// ErrQuotaExceeded is returned by MemoryPersistence when a write exceeds its
// configured capacity.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// MemoryPersistence keeps values in memory. SetMaxBytes caps the size of a
// single value, which lets callers exercise the degraded-storage path.
type MemoryPersistence struct {
	mu       sync.Mutex
	values   map[string]string
	maxBytes int
	writes   int
}

// NewMemoryPersistence returns an empty in-memory substrate.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{values: make(map[string]string)}
}

func (p *MemoryPersistence) Get(key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok, nil
}

func (p *MemoryPersistence) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxBytes > 0 && len(value) > p.maxBytes {
		return ErrQuotaExceeded
	}
	p.values[key] = value
	p.writes++
	return nil
}

// SetMaxBytes changes the per-value cap. Zero removes it.
func (p *MemoryPersistence) SetMaxBytes(n int) {
	p.mu.Lock()
	p.maxBytes = n
	p.mu.Unlock()
}

// Writes reports how many successful Set calls happened.
func (p *MemoryPersistence) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}
