package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"nevis-backend/internal/observability"
)

const (
	DefaultPruneInterval = time.Hour
	pruneBatchSize       = 256
)

// RevocationStore records revoked-but-unexpired token keys. Entries only
// matter until their stored expiry; implementations may drop them after that.
type RevocationStore interface {
	Revoke(ctx context.Context, key string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, key string) (bool, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

var errEmptyRevocationKey = errors.New("revocation key is required")

// MemoryRevocations is the single-process registry.
type MemoryRevocations struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{
		entries: make(map[string]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRevocations) WithClock(clock func() time.Time) *MemoryRevocations {
	if clock != nil {
		m.mu.Lock()
		m.now = clock
		m.mu.Unlock()
	}
	return m
}

func (m *MemoryRevocations) Revoke(_ context.Context, key string, expiresAt time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errEmptyRevocationKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !expiresAt.After(m.now()) {
		return nil
	}
	if current, ok := m.entries[key]; ok && current.After(expiresAt) {
		return nil
	}
	m.entries[key] = expiresAt.UTC()
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errEmptyRevocationKey
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	expiresAt, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return expiresAt.After(m.now()), nil
}

// Prune collects expired keys under the read lock and deletes them in small
// batches so lookups are never held off for a whole sweep.
func (m *MemoryRevocations) Prune(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	expired := make([]string, 0)
	for key, expiresAt := range m.entries {
		if !expiresAt.After(now) {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for start := 0; start < len(expired); start += pruneBatchSize {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		end := min(start+pruneBatchSize, len(expired))

		m.mu.Lock()
		for _, key := range expired[start:end] {
			// A key may have been revoked again with a later expiry since the scan.
			if expiresAt, ok := m.entries[key]; ok && !expiresAt.After(now) {
				delete(m.entries, key)
				removed++
			}
		}
		m.mu.Unlock()
	}

	return removed, nil
}

func (m *MemoryRevocations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RunPruner prunes store every interval until ctx is done.
func RunPruner(ctx context.Context, store RevocationStore, interval time.Duration, clock func() time.Time, logger *observability.Logger) {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune(ctx, clock())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("revocation_prune_failed", map[string]any{"error": err.Error()})
				continue
			}
			if removed > 0 {
				logger.Info("revocation_prune_completed", map[string]any{"removed": removed})
			}
		}
	}
}
