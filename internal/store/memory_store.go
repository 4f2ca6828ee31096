package store

import (
	"context"
	"sync"
	"time"

	"permitalert/internal/domain"
)

// MemoryStore keeps notifications in process memory for single-instance mode.
// Params: notification map guarded by RWMutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]domain.Notification
}

// NewMemoryStore creates in-memory notification store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]domain.Notification)}
}

// Put writes notification unconditionally.
// Params: notification with non-empty id.
// Returns: nil (in-memory write).
func (s *MemoryStore) Put(_ context.Context, notification domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[notification.ID] = cloneNotification(notification)
	return nil
}

// Get returns one notification.
// Params: notification id.
// Returns: stored copy or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return domain.Notification{}, ErrNotFound
	}
	return cloneNotification(item), nil
}

// Claim moves retryable notification to processing under write lock.
// Params: notification id, current time, and claim lease.
// Returns: claimed copy, ErrNotFound, or ErrConflict when not retryable.
func (s *MemoryStore) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return domain.Notification{}, ErrNotFound
	}
	if !item.Retryable(now) {
		return domain.Notification{}, ErrConflict
	}
	leaseUntil := now.Add(lease)
	item.Status = domain.StatusProcessing
	item.RetryAfter = &leaseUntil
	s.items[id] = item
	return cloneNotification(item), nil
}

// Update replaces existing notification.
// Params: notification with existing id.
// Returns: ErrNotFound when id is absent.
func (s *MemoryStore) Update(_ context.Context, notification domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[notification.ID]; !ok {
		return ErrNotFound
	}
	s.items[notification.ID] = cloneNotification(notification)
	return nil
}

// ListRetryable lists notifications sweep may pick at now.
// Params: current time.
// Returns: retryable notifications ordered by creation.
func (s *MemoryStore) ListRetryable(_ context.Context, now time.Time) ([]domain.Notification, error) {
	s.mu.RLock()
	out := make([]domain.Notification, 0)
	for _, item := range s.items {
		if item.Retryable(now) {
			out = append(out, cloneNotification(item))
		}
	}
	s.mu.RUnlock()
	sortNotifications(out)
	return out, nil
}

// ListByEvent lists notifications created for one event.
// Params: event id.
// Returns: notifications ordered by creation.
func (s *MemoryStore) ListByEvent(_ context.Context, eventID string) ([]domain.Notification, error) {
	s.mu.RLock()
	out := make([]domain.Notification, 0)
	for _, item := range s.items {
		if item.EventID == eventID {
			out = append(out, cloneNotification(item))
		}
	}
	s.mu.RUnlock()
	sortNotifications(out)
	return out, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

// cloneNotification detaches maps and slices from caller-owned copies.
func cloneNotification(n domain.Notification) domain.Notification {
	if n.Metadata != nil {
		meta := make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			meta[k] = v
		}
		n.Metadata = meta
	}
	if n.Event.Metadata != nil {
		meta := make(map[string]string, len(n.Event.Metadata))
		for k, v := range n.Event.Metadata {
			meta[k] = v
		}
		n.Event.Metadata = meta
	}
	n.Event.Channels = append([]domain.Channel(nil), n.Event.Channels...)
	return n
}
