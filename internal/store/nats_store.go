package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"permitalert/internal/config"
	"permitalert/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists notifications in one JetStream KV bucket.
// Params: NATS connection and KV bucket handle keyed by notification id.
// Returns: KV-backed store with revision CAS claims.
type NATSStore struct {
	nc       *nats.Conn
	kv       nats.KeyValue
	settings config.NATSStoreConfig
}

// NewNATSStore opens or creates notification bucket.
// Params: NATS store settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStoreConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBucket {
			nc.Close()
			return nil, fmt.Errorf("open notification bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  settings.Bucket,
			History: 1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create notification bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv, settings: settings}, nil
}

// Put writes notification unconditionally.
// Params: notification with KV-safe id.
// Returns: encode or put error.
func (s *NATSStore) Put(_ context.Context, notification domain.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := s.kv.Put(notification.ID, body); err != nil {
		return fmt.Errorf("put notification: %w", err)
	}
	return nil
}

// Get reads one notification.
// Params: notification id.
// Returns: decoded notification or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, id string) (domain.Notification, error) {
	notification, _, err := s.getWithRevision(id)
	return notification, err
}

// Claim moves retryable notification to processing with revision CAS.
// Params: notification id, current time, and claim lease.
// Returns: claimed notification, ErrNotFound, or ErrConflict.
func (s *NATSStore) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (domain.Notification, error) {
	notification, revision, err := s.getWithRevision(id)
	if err != nil {
		return domain.Notification{}, err
	}
	if !notification.Retryable(now) {
		return domain.Notification{}, ErrConflict
	}
	leaseUntil := now.Add(lease)
	notification.Status = domain.StatusProcessing
	notification.RetryAfter = &leaseUntil
	if err := s.updateRevision(notification, revision); err != nil {
		return domain.Notification{}, err
	}
	return notification, nil
}

// Update replaces existing notification.
// Params: notification with existing id.
// Returns: ErrNotFound, ErrConflict on concurrent write, or update error.
func (s *NATSStore) Update(_ context.Context, notification domain.Notification) error {
	_, revision, err := s.getWithRevision(notification.ID)
	if err != nil {
		return err
	}
	return s.updateRevision(notification, revision)
}

// ListRetryable scans bucket for notifications sweep may pick.
// Params: current time.
// Returns: retryable notifications ordered by creation.
func (s *NATSStore) ListRetryable(_ context.Context, now time.Time) ([]domain.Notification, error) {
	return s.scan(func(n domain.Notification) bool { return n.Retryable(now) })
}

// ListByEvent scans bucket for one event's notifications.
// Params: event id.
// Returns: notifications ordered by creation.
func (s *NATSStore) ListByEvent(_ context.Context, eventID string) ([]domain.Notification, error) {
	return s.scan(func(n domain.Notification) bool { return n.EventID == eventID })
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// getWithRevision reads notification and KV revision.
// Params: notification id.
// Returns: notification, revision, or ErrNotFound.
func (s *NATSStore) getWithRevision(id string) (domain.Notification, uint64, error) {
	entry, err := s.kv.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Notification{}, 0, ErrNotFound
		}
		return domain.Notification{}, 0, fmt.Errorf("get notification: %w", err)
	}
	var notification domain.Notification
	if err := json.Unmarshal(entry.Value(), &notification); err != nil {
		return domain.Notification{}, 0, fmt.Errorf("decode notification: %w", err)
	}
	return notification, entry.Revision(), nil
}

// updateRevision writes notification when KV revision still matches.
// Params: notification and expected revision.
// Returns: ErrConflict on mismatch.
func (s *NATSStore) updateRevision(notification domain.Notification, revision uint64) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := s.kv.Update(notification.ID, body, revision); err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return ErrConflict
		}
		return fmt.Errorf("update notification: %w", err)
	}
	return nil
}

// scan decodes every key and keeps matching notifications.
// Params: predicate.
// Returns: matching notifications ordered by creation.
func (s *NATSStore) scan(keep func(domain.Notification) bool) ([]domain.Notification, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]domain.Notification, 0, len(keys))
	for _, key := range keys {
		notification, _, err := s.getWithRevision(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if keep(notification) {
			out = append(out, notification)
		}
	}
	sortNotifications(out)
	return out, nil
}
