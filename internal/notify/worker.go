package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"permitalert/internal/clock"
	"permitalert/internal/domain"
	"permitalert/internal/logging"
	"permitalert/internal/permanent"
	"permitalert/internal/quiethours"
	"permitalert/internal/ratelimit"
)

const errMaxRetries = "Max retries exceeded"

// Transport delivers one rendered message to one destination.
// Params: context, channel-specific destination, and rendered payload.
// Returns: delivery error; permanent.Mark flags non-retryable failures.
type Transport interface {
	Send(ctx context.Context, destination string, payload Payload) error
}

// TransportFunc adapts function to Transport.
type TransportFunc func(ctx context.Context, destination string, payload Payload) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, destination string, payload Payload) error {
	return f(ctx, destination, payload)
}

// Worker turns one alert event into one delivery attempt for one channel.
// Params: event, preferences, and persisted notification for retries.
// Returns: typed delivery result; expected conditions never surface as errors.
type Worker interface {
	Channel() domain.Channel
	ProcessEvent(ctx context.Context, event domain.AlertEvent, prefs domain.NotificationPreferences) domain.DeliveryResult
	Retry(ctx context.Context, notification domain.Notification, prefs domain.NotificationPreferences) domain.DeliveryResult
}

// Observer receives delivery outcomes for metrics.
type Observer interface {
	ObserveDelivery(channel domain.Channel, status domain.NotificationStatus, elapsed time.Duration)
}

// RetryPolicy bounds retries and exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RateLimit configures per-worker admission window.
type RateLimit struct {
	MaxRequests int
	Window      time.Duration
}

// WorkerOptions carries shared worker dependencies.
// Params: nil fields fall back to real clock, default renderer, and discard logger.
// Returns: option bag for worker constructors.
type WorkerOptions struct {
	Policy    RetryPolicy
	RateLimit RateLimit
	Transport Transport
	Renderer  *Renderer
	Clock     clock.Clock
	Logger    *slog.Logger
	Observer  Observer
	// Sleep overrides backoff wait; nil uses timer wait bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// channelProfile describes per-channel preference lookups and messages.
type channelProfile struct {
	channel        domain.Channel
	enabled        func(domain.NotificationPreferences) bool
	destination    func(domain.NotificationPreferences) string
	disabledMsg    string
	missingDestMsg string
	exhaustedMsg   string
}

// ChannelWorker implements enablement, quiet hours, rate limiting, and retry for one channel.
type ChannelWorker struct {
	profile   channelProfile
	policy    RetryPolicy
	limiter   *ratelimit.Limiter
	quiet     *quiethours.Calculator
	transport Transport
	renderer  *Renderer
	clock     clock.Clock
	logger    *slog.Logger
	observer  Observer
	sleep     func(ctx context.Context, d time.Duration) error
}

// Default policies per channel.
var (
	DefaultEmailPolicy    = RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	DefaultEmailRateLimit = RateLimit{MaxRequests: 100, Window: time.Minute}
	DefaultSMSPolicy      = RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute}
	DefaultSMSRateLimit   = RateLimit{MaxRequests: 10, Window: time.Minute}
	DefaultTelegramPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	DefaultTelegramLimit  = RateLimit{MaxRequests: 30, Window: time.Minute}
)

// NewEmailWorker creates email channel worker.
// Params: worker options; zero policy/limit use email defaults.
// Returns: email worker.
func NewEmailWorker(opts WorkerOptions) *ChannelWorker {
	return newChannelWorker(channelProfile{
		channel:        domain.ChannelEmail,
		enabled:        func(p domain.NotificationPreferences) bool { return p.EmailEnabled },
		destination:    func(p domain.NotificationPreferences) string { return p.EmailAddress },
		disabledMsg:    "Email notifications disabled",
		missingDestMsg: "No email address configured",
		exhaustedMsg:   errMaxRetries,
	}, withDefaults(opts, DefaultEmailPolicy, DefaultEmailRateLimit))
}

// NewSMSWorker creates SMS channel worker.
// Params: worker options; zero policy/limit use SMS defaults.
// Returns: SMS worker whose exhausted retries suggest email fallback.
func NewSMSWorker(opts WorkerOptions) *ChannelWorker {
	return newChannelWorker(channelProfile{
		channel:        domain.ChannelSMS,
		enabled:        func(p domain.NotificationPreferences) bool { return p.SMSEnabled },
		destination:    func(p domain.NotificationPreferences) string { return p.PhoneNumber },
		disabledMsg:    "SMS notifications disabled",
		missingDestMsg: "No phone number configured",
		exhaustedMsg:   errMaxRetries + "; consider email fallback",
	}, withDefaults(opts, DefaultSMSPolicy, DefaultSMSRateLimit))
}

// NewTelegramWorker creates Telegram channel worker.
// Params: worker options; zero policy/limit use Telegram defaults.
// Returns: Telegram worker.
func NewTelegramWorker(opts WorkerOptions) *ChannelWorker {
	return newChannelWorker(channelProfile{
		channel:        domain.ChannelTelegram,
		enabled:        func(p domain.NotificationPreferences) bool { return p.TelegramEnabled },
		destination:    func(p domain.NotificationPreferences) string { return p.TelegramChatID },
		disabledMsg:    "Telegram notifications disabled",
		missingDestMsg: "No Telegram chat configured",
		exhaustedMsg:   errMaxRetries,
	}, withDefaults(opts, DefaultTelegramPolicy, DefaultTelegramLimit))
}

// withDefaults fills zero policy and rate limit values.
func withDefaults(opts WorkerOptions, policy RetryPolicy, limit RateLimit) WorkerOptions {
	if opts.Policy == (RetryPolicy{}) {
		opts.Policy = policy
	}
	if opts.RateLimit.MaxRequests <= 0 || opts.RateLimit.Window <= 0 {
		opts.RateLimit = limit
	}
	return opts
}

// newChannelWorker wires shared dependencies.
func newChannelWorker(profile channelProfile, opts WorkerOptions) *ChannelWorker {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = DefaultRenderer()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = waitBackoff
	}
	return &ChannelWorker{
		profile:   profile,
		policy:    opts.Policy,
		limiter:   ratelimit.New(opts.RateLimit.MaxRequests, opts.RateLimit.Window, clk),
		quiet:     quiethours.New(clk),
		transport: opts.Transport,
		renderer:  renderer,
		clock:     clk,
		logger:    logger,
		observer:  opts.Observer,
		sleep:     sleep,
	}
}

// Channel returns worker channel.
func (w *ChannelWorker) Channel() domain.Channel {
	return w.profile.channel
}

// Policy returns effective retry policy.
func (w *ChannelWorker) Policy() RetryPolicy {
	return w.policy
}

// ProcessEvent runs enablement, destination, quiet hours, rate limit, then transport.
// Params: context, event, and recipient preferences.
// Returns: delivered, deferred, or failed result.
func (w *ChannelWorker) ProcessEvent(ctx context.Context, event domain.AlertEvent, prefs domain.NotificationPreferences) domain.DeliveryResult {
	started := time.Now()
	result := w.process(ctx, event, prefs)
	if w.observer != nil {
		w.observer.ObserveDelivery(w.profile.channel, result.Status, time.Since(started))
	}
	return result
}

// process implements ProcessEvent without metrics.
func (w *ChannelWorker) process(ctx context.Context, event domain.AlertEvent, prefs domain.NotificationPreferences) domain.DeliveryResult {
	if !w.profile.enabled(prefs) {
		return terminalFailure(w.profile.disabledMsg)
	}
	destination := w.profile.destination(prefs)
	if destination == "" {
		return terminalFailure(w.profile.missingDestMsg)
	}
	if w.quiet.IsInQuietHours(prefs) {
		end, _ := w.quiet.QuietHoursEnd(prefs)
		w.logger.Debug("delivery deferred by quiet hours", "channel", string(w.profile.channel), "user_id", prefs.UserID, "retry_after", end)
		return deferred(end, "quiet hours")
	}
	if decision := w.limiter.CheckLimit(); !decision.Allowed {
		w.logger.Debug("delivery deferred by rate limit", "channel", string(w.profile.channel), "user_id", prefs.UserID, "retry_after", decision.RetryAfter)
		return deferred(decision.RetryAfter, "rate limit")
	}
	if w.transport == nil {
		return terminalFailure(fmt.Sprintf("no transport configured for channel %s", w.profile.channel))
	}

	payload, err := w.renderer.Render(event, w.profile.channel)
	if err != nil {
		return terminalFailure(err.Error())
	}
	if err := safeSend(ctx, w.transport, destination, payload); err != nil {
		w.logger.Warn("channel delivery failed", "channel", string(w.profile.channel), "user_id", prefs.UserID, "event_id", event.ID, "error", err.Error())
		return domain.DeliveryResult{
			Status:    domain.StatusFailed,
			Error:     err.Error(),
			Terminal:  permanent.Is(err),
			Attempted: true,
		}
	}
	return domain.DeliveryResult{Success: true, Status: domain.StatusDelivered, Attempted: true}
}

// Retry re-attempts delivery after exponential backoff.
// Params: context bounding backoff wait, stored notification, and preferences.
// Returns: terminal failure when attempts are exhausted, otherwise ProcessEvent result.
func (w *ChannelWorker) Retry(ctx context.Context, notification domain.Notification, prefs domain.NotificationPreferences) domain.DeliveryResult {
	if notification.Attempts >= w.policy.MaxRetries {
		return terminalFailure(w.profile.exhaustedMsg)
	}
	delay := Backoff(notification.Attempts, w.policy.BaseDelay, w.policy.MaxDelay)
	if err := w.sleep(ctx, delay); err != nil {
		return domain.DeliveryResult{Status: domain.StatusFailed, Error: fmt.Sprintf("retry cancelled: %v", err)}
	}
	return w.ProcessEvent(ctx, notification.Event, prefs)
}

// safeSend converts transport panics into errors.
func safeSend(ctx context.Context, transport Transport, destination string, payload Payload) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("transport panic: %v", recovered)
		}
	}()
	return transport.Send(ctx, destination, payload)
}

// terminalFailure builds non-retryable failed result.
func terminalFailure(msg string) domain.DeliveryResult {
	return domain.DeliveryResult{Status: domain.StatusFailed, Error: msg, Terminal: true}
}

// deferred builds deferred result with retry instant.
func deferred(retryAfter time.Time, reason string) domain.DeliveryResult {
	return domain.DeliveryResult{
		Status:     domain.StatusDeferred,
		RetryAfter: &retryAfter,
		Metadata:   map[string]string{"reason": reason},
	}
}
