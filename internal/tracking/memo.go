package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Fingerprint returns a stable digest of v's canonical JSON encoding.
// Two configurations with the same fingerprint produce the same artefacts.
func Fingerprint(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// Memo caches derived artefacts keyed by (entity id, configuration
// fingerprint). Changing the fingerprint flushes every entry at once;
// entries are never invalidated individually.
type Memo struct {
	mu          sync.RWMutex
	fingerprint string
	items       *cache.Cache
	calls       singleflight.Group
}

// NewMemo creates an empty memo table bound to fingerprint.
func NewMemo(fingerprint string) *Memo {
	return &Memo{
		fingerprint: fingerprint,
		// No expiry and no janitor goroutine: entries live until Reset.
		items: cache.New(cache.NoExpiration, 0),
	}
}

// Fingerprint returns the fingerprint the table currently serves.
func (m *Memo) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fingerprint
}

// Reset rebinds the table to fingerprint, flushing all entries when it
// differs from the current one. It reports whether a flush happened.
func (m *Memo) Reset(fingerprint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fingerprint == m.fingerprint {
		return false
	}
	m.items.Flush()
	m.fingerprint = fingerprint
	return true
}

// Len returns the number of cached entries.
func (m *Memo) Len() int { return m.items.ItemCount() }

func (m *Memo) key(entity string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return entity + "@" + m.fingerprint
}

// Memoize returns the cached value for entity, computing and storing it on
// a miss. Concurrent misses for the same entity share one computation.
// Errors are not cached.
func Memoize[T any](m *Memo, entity string, compute func() (T, error)) (T, error) {
	key := m.key(entity)
	if v, ok := m.items.Get(key); ok {
		return v.(T), nil
	}
	v, err, _ := m.calls.Do(key, func() (interface{}, error) {
		out, err := compute()
		if err != nil {
			return nil, err
		}
		m.items.Set(key, out, cache.NoExpiration)
		return out, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
