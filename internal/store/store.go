package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"permitalert/internal/config"
	"permitalert/internal/domain"
)

var (
	// ErrNotFound indicates absent notification id.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates notification is not claimable or changed concurrently.
	ErrConflict = errors.New("revision conflict")
)

// NotificationStore persists per-channel delivery records.
// Params: create/read/claim/update operations keyed by notification id.
// Returns: backend persistence behavior.
type NotificationStore interface {
	Put(ctx context.Context, notification domain.Notification) error
	Get(ctx context.Context, id string) (domain.Notification, error)
	// Claim atomically moves a retryable notification to processing and
	// stores now+lease in RetryAfter, after which the claim may be taken over.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (domain.Notification, error)
	Update(ctx context.Context, notification domain.Notification) error
	ListRetryable(ctx context.Context, now time.Time) ([]domain.Notification, error)
	ListByEvent(ctx context.Context, eventID string) ([]domain.Notification, error)
	Close() error
}

// sortNotifications orders records by creation time then id.
// Params: mutable slice.
// Returns: slice sorted in place.
func sortNotifications(items []domain.Notification) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// Open builds notification store for configured backend.
// Params: store config with backend name and backend settings.
// Returns: initialized store or setup error.
func Open(cfg config.StoreConfig) (NotificationStore, error) {
	switch cfg.Backend {
	case "", config.StoreBackendMemory:
		return NewMemoryStore(), nil
	case config.StoreBackendSQLite:
		return NewSQLiteStore(cfg.SQLitePath)
	case config.StoreBackendNATS:
		return NewNATSStore(cfg.NATS)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
