package notify

import (
	"context"
	"log/slog"
	"time"

	"permitalert/internal/domain"
	"permitalert/internal/logging"
)

// InAppWorker records in-app alerts; delivery always succeeds once enabled.
type InAppWorker struct {
	publisher Transport
	renderer  *Renderer
	logger    *slog.Logger
	observer  Observer
}

// NewInAppWorker creates in-app worker.
// Params: options; Transport is an optional best-effort feed publisher.
// Returns: in-app worker.
func NewInAppWorker(opts WorkerOptions) *InAppWorker {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = DefaultRenderer()
	}
	return &InAppWorker{publisher: opts.Transport, renderer: renderer, logger: logger, observer: opts.Observer}
}

// Channel returns in-app channel.
func (w *InAppWorker) Channel() domain.Channel {
	return domain.ChannelInApp
}

// ProcessEvent checks enablement and publishes to user feed.
// Params: context, event, and preferences.
// Returns: delivered result, or terminal failure when disabled.
func (w *InAppWorker) ProcessEvent(ctx context.Context, event domain.AlertEvent, prefs domain.NotificationPreferences) domain.DeliveryResult {
	started := time.Now()
	result := w.process(ctx, event, prefs)
	if w.observer != nil {
		w.observer.ObserveDelivery(domain.ChannelInApp, result.Status, time.Since(started))
	}
	return result
}

func (w *InAppWorker) process(ctx context.Context, event domain.AlertEvent, prefs domain.NotificationPreferences) domain.DeliveryResult {
	if !prefs.InAppEnabled {
		return terminalFailure("In-app notifications disabled")
	}
	if w.publisher != nil {
		payload, err := w.renderer.Render(event, domain.ChannelInApp)
		if err == nil {
			err = safeSend(ctx, w.publisher, event.UserID, payload)
		}
		if err != nil {
			w.logger.Warn("in-app publish failed", "user_id", event.UserID, "event_id", event.ID, "error", err.Error())
		}
	}
	return domain.DeliveryResult{Success: true, Status: domain.StatusDelivered, Attempted: true}
}

// Retry is a no-op success.
func (w *InAppWorker) Retry(context.Context, domain.Notification, domain.NotificationPreferences) domain.DeliveryResult {
	return domain.DeliveryResult{Success: true, Status: domain.StatusDelivered, Attempted: true}
}
