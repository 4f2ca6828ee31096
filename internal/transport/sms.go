package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"permitalert/internal/config"
	"permitalert/internal/logging"
	"permitalert/internal/notify"
	"permitalert/internal/permanent"
)

// WebhookSMS posts SMS payloads to an HTTP gateway.
type WebhookSMS struct {
	url      string
	apiKey   string
	from     string
	attempts uint
	delay    time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// smsRequest is gateway request body.
type smsRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Text    string `json:"text"`
	EventID string `json:"event_id"`
}

// NewWebhookSMS creates SMS gateway transport.
// Params: SMS notifier config and logger.
// Returns: transport with bounded in-call retry.
func NewWebhookSMS(cfg config.SMSNotifier, logger *slog.Logger) *WebhookSMS {
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
	return &WebhookSMS{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		from:     cfg.From,
		attempts: uint(attempts),
		delay:    200 * time.Millisecond,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Send posts one text message.
// Params: context, phone number, and rendered payload (body only).
// Returns: gateway error.
func (s *WebhookSMS) Send(ctx context.Context, phone string, payload notify.Payload) error {
	body, err := json.Marshal(smsRequest{
		From:    s.from,
		To:      phone,
		Text:    payload.Body,
		EventID: payload.Event.ID,
	})
	if err != nil {
		return permanent.Mark(fmt.Errorf("marshal sms request: %w", err))
	}

	return doWithRetry(ctx, s.logger, "sms webhook", s.attempts, s.delay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return permanent.Mark(fmt.Errorf("create sms request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("sms webhook send: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return unexpectedHTTPStatusError("sms webhook", resp)
		}
		return nil
	})
}
