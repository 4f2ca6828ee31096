package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"permitalert/internal/domain"
)

var storeNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const storeLease = 5 * time.Minute

// runStoreContract exercises behavior every backend must share.
func runStoreContract(t *testing.T, store NotificationStore) {
	t.Helper()
	ctx := context.Background()

	future := storeNow.Add(time.Hour)
	records := []domain.Notification{
		newNotification("n1", "e1", domain.StatusFailed, nil, storeNow),
		newNotification("n2", "e1", domain.StatusDelivered, nil, storeNow.Add(time.Second)),
		newNotification("n3", "e2", domain.StatusDeferred, &future, storeNow.Add(2*time.Second)),
		newNotification("n4", "e2", domain.StatusDeferred, nil, storeNow.Add(3*time.Second)),
	}
	terminal := newNotification("n5", "e3", domain.StatusFailed, nil, storeNow.Add(4*time.Second))
	terminal.Terminal = true
	records = append(records, terminal)

	for _, n := range records {
		if err := store.Put(ctx, n); err != nil {
			t.Fatalf("put %s: %v", n.ID, err)
		}
	}

	loaded, err := store.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Event.PermitID != "p-e1" || loaded.Channel != domain.ChannelEmail || loaded.Metadata["k"] != "v" {
		t.Fatalf("unexpected loaded notification %+v", loaded)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	retryable, err := store.ListRetryable(ctx, storeNow)
	if err != nil {
		t.Fatalf("list retryable: %v", err)
	}
	if ids := idsOf(retryable); len(ids) != 2 || ids[0] != "n1" || ids[1] != "n4" {
		t.Fatalf("unexpected retryable ids %v", ids)
	}
	later, err := store.ListRetryable(ctx, future)
	if err != nil {
		t.Fatalf("list retryable later: %v", err)
	}
	if len(later) != 3 {
		t.Fatalf("expected 3 retryable after retry_after passed, got %d", len(later))
	}

	claimed, err := store.Claim(ctx, "n1", storeNow, storeLease)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.StatusProcessing {
		t.Fatalf("expected processing, got %s", claimed.Status)
	}
	if claimed.RetryAfter == nil || !claimed.RetryAfter.Equal(storeNow.Add(storeLease)) {
		t.Fatalf("claim must record lease end, got %v", claimed.RetryAfter)
	}
	if _, err := store.Claim(ctx, "n1", storeNow, storeLease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second claim, got %v", err)
	}
	if _, err := store.Claim(ctx, "n3", storeNow, storeLease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for future retry_after, got %v", err)
	}
	if _, err := store.Claim(ctx, "n5", storeNow, storeLease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for terminal, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing", storeNow, storeLease); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found claim, got %v", err)
	}

	runLeaseExpiry(t, store)

	delivered := storeNow.Add(time.Minute)
	claimed.Status = domain.StatusDelivered
	claimed.Attempts = 1
	claimed.DeliveredAt = &delivered
	claimed.LastAttemptAt = &delivered
	if err := store.Update(ctx, claimed); err != nil {
		t.Fatalf("update: %v", err)
	}
	reloaded, err := store.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusDelivered || reloaded.Attempts != 1 || reloaded.DeliveredAt == nil || !reloaded.DeliveredAt.Equal(delivered) {
		t.Fatalf("unexpected updated notification %+v", reloaded)
	}
	if err := store.Update(ctx, newNotification("ghost", "e9", domain.StatusFailed, nil, storeNow)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found update, got %v", err)
	}

	byEvent, err := store.ListByEvent(ctx, "e2")
	if err != nil {
		t.Fatalf("list by event: %v", err)
	}
	if ids := idsOf(byEvent); len(ids) != 2 || ids[0] != "n3" || ids[1] != "n4" {
		t.Fatalf("unexpected event ids %v", ids)
	}
}

// runLeaseExpiry checks that a claim abandoned by a dead sweep becomes retryable after its lease.
func runLeaseExpiry(t *testing.T, store NotificationStore) {
	t.Helper()
	ctx := context.Background()

	if err := store.Put(ctx, newNotification("lease", "e-lease", domain.StatusFailed, nil, storeNow.Add(10*time.Second))); err != nil {
		t.Fatalf("put lease record: %v", err)
	}
	if _, err := store.Claim(ctx, "lease", storeNow, storeLease); err != nil {
		t.Fatalf("claim lease record: %v", err)
	}

	withinLease := storeNow.Add(storeLease - time.Second)
	due, err := store.ListRetryable(ctx, withinLease)
	if err != nil {
		t.Fatalf("list within lease: %v", err)
	}
	for _, n := range due {
		if n.ID == "lease" {
			t.Fatalf("claimed record must stay hidden while lease holds")
		}
	}
	if _, err := store.Claim(ctx, "lease", withinLease, storeLease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict while lease holds, got %v", err)
	}

	expired := storeNow.Add(storeLease)
	due, err = store.ListRetryable(ctx, expired)
	if err != nil {
		t.Fatalf("list after lease: %v", err)
	}
	found := false
	for _, n := range due {
		found = found || n.ID == "lease"
	}
	if !found {
		t.Fatalf("abandoned claim must be retryable after lease, got %v", idsOf(due))
	}
	reclaimed, err := store.Claim(ctx, "lease", expired, storeLease)
	if err != nil {
		t.Fatalf("reclaim after lease: %v", err)
	}
	if reclaimed.Status != domain.StatusProcessing || !reclaimed.RetryAfter.Equal(expired.Add(storeLease)) {
		t.Fatalf("unexpected reclaimed record %+v", reclaimed)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()
	runStoreContract(t, store)
}

func TestSQLiteStoreContract(t *testing.T) {
	t.Parallel()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "notifications.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	runStoreContract(t, store)
}

func TestSQLiteStoreReopenKeepsSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reopen.db")
	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := first.Put(context.Background(), newNotification("n1", "e1", domain.StatusFailed, nil, storeNow)); err != nil {
		t.Fatalf("put: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer second.Close()
	if _, err := second.Get(context.Background(), "n1"); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}

func TestSQLiteStoreReleasesClaimAfterRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "claims.db")
	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := first.Put(ctx, newNotification("n1", "e1", domain.StatusFailed, nil, storeNow)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := first.Claim(ctx, "n1", storeNow, storeLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer second.Close()
	due, err := second.ListRetryable(ctx, storeNow.Add(storeLease))
	if err != nil {
		t.Fatalf("list retryable: %v", err)
	}
	if ids := idsOf(due); len(ids) != 1 || ids[0] != "n1" {
		t.Fatalf("claim left by stopped process must be retried, got %v", ids)
	}
}

func TestMemoryStoreReturnsDetachedCopies(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	n := newNotification("n1", "e1", domain.StatusFailed, nil, storeNow)
	if err := store.Put(context.Background(), n); err != nil {
		t.Fatalf("put: %v", err)
	}
	n.Metadata["k"] = "mutated"

	loaded, _ := store.Get(context.Background(), "n1")
	if loaded.Metadata["k"] != "v" {
		t.Fatalf("store shares caller map")
	}
}

func newNotification(id, eventID string, status domain.NotificationStatus, retryAfter *time.Time, created time.Time) domain.Notification {
	return domain.Notification{
		ID:         id,
		EventID:    eventID,
		UserID:     "u1",
		Channel:    domain.ChannelEmail,
		Status:     status,
		RetryAfter: retryAfter,
		Event: domain.AlertEvent{
			ID:       eventID,
			PermitID: "p-" + eventID,
			UserID:   "u1",
			Channels: []domain.Channel{domain.ChannelEmail},
		},
		Metadata:  map[string]string{"k": "v"},
		CreatedAt: created,
	}
}

func idsOf(items []domain.Notification) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
