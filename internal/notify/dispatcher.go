package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"permitalert/internal/clock"
	"permitalert/internal/domain"
	"permitalert/internal/logging"
	"permitalert/internal/store"
)

// PreferencesSource resolves user preferences for sweep retries.
type PreferencesSource interface {
	Preferences(ctx context.Context, userID string) (domain.NotificationPreferences, bool)
}

// StaticPreferences serves preferences from an in-memory map.
type StaticPreferences map[string]domain.NotificationPreferences

// Preferences returns preferences for user.
func (s StaticPreferences) Preferences(_ context.Context, userID string) (domain.NotificationPreferences, bool) {
	prefs, ok := s[userID]
	return prefs, ok
}

// DispatcherOptions configures dispatcher dependencies.
type DispatcherOptions struct {
	Clock            clock.Clock
	Logger           *slog.Logger
	SweepConcurrency int
	// ClaimLease bounds how long a sweep owns a claimed notification.
	// It must outlast one worker Retry (backoff plus transport call).
	ClaimLease time.Duration
	// NewID overrides notification id generation.
	NewID func() string
}

// Dispatcher fans events out to channel workers and retries stored notifications.
type Dispatcher struct {
	mu      sync.RWMutex
	workers map[domain.Channel]Worker

	store            store.NotificationStore
	clock            clock.Clock
	logger           *slog.Logger
	sweepConcurrency int
	claimLease       time.Duration
	newID            func() string
}

// DefaultClaimLease is the sweep claim lease when none is configured.
const DefaultClaimLease = 5 * time.Minute

// NewDispatcher builds dispatcher over notification store.
// Params: store, options, and initial workers (later registrations replace same channel).
// Returns: dispatcher.
func NewDispatcher(st store.NotificationStore, opts DispatcherOptions, workers ...Worker) *Dispatcher {
	if st == nil {
		st = store.NewMemoryStore()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	concurrency := opts.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	lease := opts.ClaimLease
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	d := &Dispatcher{
		workers:          make(map[domain.Channel]Worker),
		store:            st,
		clock:            clk,
		logger:           logger,
		sweepConcurrency: concurrency,
		claimLease:       lease,
		newID:            newID,
	}
	for _, worker := range workers {
		d.Register(worker)
	}
	return d
}

// DefaultWorkers builds email, SMS, and in-app workers sharing options.
// Params: shared options (Transport ignored) and per-channel transports.
// Returns: default worker set.
func DefaultWorkers(opts WorkerOptions, email, sms, inApp Transport) []Worker {
	emailOpts, smsOpts, inAppOpts := opts, opts, opts
	emailOpts.Transport = email
	smsOpts.Transport = sms
	inAppOpts.Transport = inApp
	return []Worker{NewEmailWorker(emailOpts), NewSMSWorker(smsOpts), NewInAppWorker(inAppOpts)}
}

// Register adds or replaces worker for its channel.
// Params: worker.
// Returns: none.
func (d *Dispatcher) Register(worker Worker) {
	if worker == nil {
		return
	}
	d.mu.Lock()
	d.workers[worker.Channel()] = worker
	d.mu.Unlock()
}

// Channels lists registered channels.
// Params: none.
// Returns: sorted channel list.
func (d *Dispatcher) Channels() []domain.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Channel, 0, len(d.workers))
	for channel := range d.workers {
		out = append(out, channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Store returns backing notification store.
func (d *Dispatcher) Store() store.NotificationStore {
	return d.store
}

// worker looks up registered worker.
func (d *Dispatcher) worker(channel domain.Channel) (Worker, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workers[channel]
	return w, ok
}

// Dispatch delivers event on every requested channel in parallel.
// Params: context, event, and recipient preferences.
// Returns: result per channel; unregistered channels fail inline without a record.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.AlertEvent, prefs domain.NotificationPreferences) map[domain.Channel]domain.DeliveryResult {
	results := make(map[domain.Channel]domain.DeliveryResult, len(event.Channels))
	var mu sync.Mutex
	var group errgroup.Group

	for _, channel := range uniqueChannels(event.Channels) {
		worker, ok := d.worker(channel)
		if !ok {
			results[channel] = domain.DeliveryResult{
				Status: domain.StatusFailed,
				Error:  fmt.Sprintf("no worker registered for channel %s", channel),
			}
			continue
		}
		group.Go(func() error {
			result := worker.ProcessEvent(ctx, event, prefs)
			d.record(ctx, event, channel, result)
			mu.Lock()
			results[channel] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// record persists first notification for one channel attempt.
func (d *Dispatcher) record(ctx context.Context, event domain.AlertEvent, channel domain.Channel, result domain.DeliveryResult) {
	now := d.clock.Now()
	notification := domain.Notification{
		ID:         d.newID(),
		EventID:    event.ID,
		UserID:     event.UserID,
		Channel:    channel,
		Status:     result.Status,
		RetryAfter: result.RetryAfter,
		Terminal:   result.Terminal,
		Error:      result.Error,
		Event:      event,
		Metadata:   result.Metadata,
		CreatedAt:  now,
	}
	if result.Status == domain.StatusDelivered {
		notification.Attempts = 1
		notification.DeliveredAt = &now
	}
	if result.Attempted {
		notification.LastAttemptAt = &now
	}
	if err := d.store.Put(ctx, notification); err != nil {
		d.logger.Error("persist notification failed", "event_id", event.ID, "channel", string(channel), "error", err.Error())
	}
}

// Sweep retries every due deferred/failed notification.
// Params: context bounding sweep and preference source.
// Returns: results in listing order, or store listing error.
func (d *Dispatcher) Sweep(ctx context.Context, prefs PreferencesSource) ([]domain.DeliveryResult, error) {
	due, err := d.store.ListRetryable(ctx, d.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list retryable notifications: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}

	results := make([]domain.DeliveryResult, len(due))
	claimed := make([]bool, len(due))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.sweepConcurrency)
	for i := range due {
		idx := i
		group.Go(func() error {
			result, ok := d.retryOne(groupCtx, due[idx], prefs)
			results[idx] = result
			claimed[idx] = ok
			return nil
		})
	}
	_ = group.Wait()

	out := make([]domain.DeliveryResult, 0, len(due))
	for i, ok := range claimed {
		if ok {
			out = append(out, results[i])
		}
	}
	return out, nil
}

// retryOne claims, retries, and stores one notification.
// Params: context, listed notification snapshot, and preference source.
// Returns: result and false when another sweeper owns the record.
func (d *Dispatcher) retryOne(ctx context.Context, listed domain.Notification, source PreferencesSource) (domain.DeliveryResult, bool) {
	notification, err := d.store.Claim(ctx, listed.ID, d.clock.Now(), d.claimLease)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("claim notification failed", "notification_id", listed.ID, "error", err.Error())
		}
		return domain.DeliveryResult{}, false
	}

	var result domain.DeliveryResult
	worker, ok := d.worker(notification.Channel)
	prefs, found := source.Preferences(ctx, notification.UserID)
	switch {
	case !ok:
		result = terminalFailure(fmt.Sprintf("no worker registered for channel %s", notification.Channel))
	case !found:
		result = terminalFailure(fmt.Sprintf("no preferences for user %s", notification.UserID))
	default:
		result = worker.Retry(ctx, notification, prefs)
	}

	// Writes must land even when the sweep was cancelled mid-retry.
	storeCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil && !result.Attempted {
		// Nothing reached the provider: release claim unchanged so the next sweep picks it up.
		if err := d.store.Update(storeCtx, listed); err != nil {
			d.logger.Warn("release notification claim failed", "notification_id", listed.ID, "error", err.Error())
		}
		return result, true
	}

	now := d.clock.Now()
	notification.Status = result.Status
	notification.Error = result.Error
	notification.Terminal = result.Terminal
	notification.RetryAfter = result.RetryAfter
	if result.Metadata != nil {
		notification.Metadata = result.Metadata
	}
	if result.Attempted {
		notification.Attempts++
		notification.LastAttemptAt = &now
	}
	if result.Status == domain.StatusDelivered {
		notification.DeliveredAt = &now
	}
	if err := d.store.Update(storeCtx, notification); err != nil {
		d.logger.Error("update notification failed", "notification_id", notification.ID, "error", err.Error())
	}
	d.logger.Debug("notification retried",
		"notification_id", notification.ID,
		"channel", string(notification.Channel),
		"status", string(result.Status),
		"attempts", notification.Attempts,
	)
	return result, true
}

// uniqueChannels drops duplicate channel entries keeping order.
func uniqueChannels(channels []domain.Channel) []domain.Channel {
	seen := make(map[domain.Channel]struct{}, len(channels))
	out := make([]domain.Channel, 0, len(channels))
	for _, channel := range channels {
		if _, ok := seen[channel]; ok {
			continue
		}
		seen[channel] = struct{}{}
		out = append(out, channel)
	}
	return out
}
