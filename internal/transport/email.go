package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"permitalert/internal/config"
	"permitalert/internal/logging"
	"permitalert/internal/notify"
	"permitalert/internal/permanent"
)

// BrevoEmail sends email through Brevo transactional API.
type BrevoEmail struct {
	apiBase  string
	apiKey   string
	fromAddr string
	fromName string
	attempts uint
	delay    time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// brevoSendRequest is Brevo send-email request body.
type brevoSendRequest struct {
	Sender      brevoContact   `json:"sender"`
	To          []brevoContact `json:"to"`
	Subject     string         `json:"subject"`
	HTML        string         `json:"htmlContent"`
	TextContent string         `json:"textContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// NewBrevoEmail creates Brevo email transport.
// Params: email notifier config and logger.
// Returns: transport with bounded in-call retry for transient provider errors.
func NewBrevoEmail(cfg config.EmailNotifier, logger *slog.Logger) *BrevoEmail {
	if logger == nil {
		logger = logging.Discard()
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BrevoEmail{
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		apiKey:   cfg.APIKey,
		fromAddr: cfg.FromAddress,
		fromName: cfg.FromName,
		attempts: uint(attempts),
		delay:    200 * time.Millisecond,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Send posts one email.
// Params: context, recipient address, and rendered payload.
// Returns: last provider error; 4xx responses are permanent and not retried.
func (b *BrevoEmail) Send(ctx context.Context, to string, payload notify.Payload) error {
	body, err := json.Marshal(brevoSendRequest{
		Sender:      brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:          []brevoContact{{Email: to}},
		Subject:     payload.Subject,
		HTML:        "<p>" + html.EscapeString(payload.Body) + "</p>",
		TextContent: payload.Body,
	})
	if err != nil {
		return permanent.Mark(fmt.Errorf("marshal brevo request: %w", err))
	}

	return doWithRetry(ctx, b.logger, "brevo", b.attempts, b.delay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiBase+"/smtp/email", bytes.NewReader(body))
		if err != nil {
			return permanent.Mark(fmt.Errorf("create brevo request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("api-key", b.apiKey)

		resp, err := b.client.Do(req)
		if err != nil {
			return fmt.Errorf("brevo send: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return unexpectedHTTPStatusError("brevo", resp)
		}
		return nil
	})
}

// doWithRetry runs one provider call with bounded retry of transient errors.
// Params: context, logger, provider label, attempts, base delay, and call.
// Returns: nil or last call error (context error when cancelled before any call).
func doWithRetry(ctx context.Context, logger *slog.Logger, provider string, attempts uint, delay time.Duration, call func() error) error {
	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = call()
			return lastErr
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !permanent.Is(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("retrying provider call", "provider", provider, "attempt", n, "error", err.Error())
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errors.New(provider + " send failed")
}
