package app

import (
	"log/slog"
	"time"

	"permitalert/internal/clock"
	"permitalert/internal/config"
	"permitalert/internal/metrics"
	"permitalert/internal/notify"
	"permitalert/internal/store"
	"permitalert/internal/transport"
)

// dispatcherDeps are long-lived collaborators shared by every dispatcher build.
type dispatcherDeps struct {
	store   store.NotificationStore
	inApp   notify.Transport
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// buildDispatcher creates workers for enabled channels and wraps them in a dispatcher.
// Params: config snapshot and shared dependencies.
// Returns: dispatcher or template parse error.
func buildDispatcher(cfg config.Config, deps dispatcherDeps) (*notify.Dispatcher, error) {
	var workers []notify.Worker
	base := notify.WorkerOptions{
		Clock:  deps.clock,
		Logger: deps.logger,
	}
	if deps.metrics != nil {
		base.Observer = deps.metrics
	}

	if cfg.Notify.Email.Enabled {
		opts, err := workerOptions(base, "email", cfg.Notify.Email.ChannelPolicy)
		if err != nil {
			return nil, err
		}
		opts.Transport = transport.ForEmail(cfg.Notify.Email, deps.logger)
		workers = append(workers, notify.NewEmailWorker(opts))
	}
	if cfg.Notify.SMS.Enabled {
		opts, err := workerOptions(base, "sms", cfg.Notify.SMS.ChannelPolicy)
		if err != nil {
			return nil, err
		}
		opts.Transport = transport.ForSMS(cfg.Notify.SMS, deps.logger)
		workers = append(workers, notify.NewSMSWorker(opts))
	}
	if cfg.Notify.Telegram.Enabled {
		opts, err := workerOptions(base, "telegram", cfg.Notify.Telegram.ChannelPolicy)
		if err != nil {
			return nil, err
		}
		opts.Transport = transport.ForTelegram(cfg.Notify.Telegram)
		workers = append(workers, notify.NewTelegramWorker(opts))
	}
	if cfg.Notify.InApp.Enabled {
		opts := base
		opts.Transport = deps.inApp
		workers = append(workers, notify.NewInAppWorker(opts))
	}

	return notify.NewDispatcher(deps.store, notify.DispatcherOptions{
		Clock:            deps.clock,
		Logger:           deps.logger,
		SweepConcurrency: cfg.Service.SweepConcurrency,
		ClaimLease:       time.Duration(cfg.Service.ClaimLeaseSec) * time.Second,
	}, workers...), nil
}

// workerOptions maps channel policy config onto worker options.
// Params: shared options, channel name, and policy section.
// Returns: options with policy, rate limit, and renderer set.
func workerOptions(base notify.WorkerOptions, name string, policy config.ChannelPolicy) (notify.WorkerOptions, error) {
	renderer, err := notify.NewRenderer(name, policy.SubjectTemplate, policy.BodyTemplate)
	if err != nil {
		return notify.WorkerOptions{}, err
	}
	opts := base
	opts.Renderer = renderer
	opts.Policy = notify.RetryPolicy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  time.Duration(policy.BaseDelayMS) * time.Millisecond,
		MaxDelay:   time.Duration(policy.MaxDelayMS) * time.Millisecond,
	}
	opts.RateLimit = notify.RateLimit{
		MaxRequests: policy.RateLimit.MaxRequests,
		Window:      time.Duration(policy.RateLimit.WindowMS) * time.Millisecond,
	}
	return opts, nil
}
