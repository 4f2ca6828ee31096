// Package transport implements channel transports that deliver rendered alert payloads.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"permitalert/internal/logging"
	"permitalert/internal/notify"
	"permitalert/internal/permanent"
)

// LogTransport writes payloads to service log instead of a remote provider.
type LogTransport struct {
	channel string
	logger  *slog.Logger
}

// NewLogTransport creates log-only transport.
// Params: channel label and logger.
// Returns: transport that always succeeds.
func NewLogTransport(channel string, logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogTransport{channel: channel, logger: logger}
}

// Send logs one payload.
func (t *LogTransport) Send(_ context.Context, destination string, payload notify.Payload) error {
	t.logger.Info("notification",
		"channel", t.channel,
		"destination", destination,
		"event_id", payload.Event.ID,
		"user_id", payload.Event.UserID,
		"subject", payload.Subject,
		"body", payload.Body,
	)
	return nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: transport prefix label and HTTP response pointer.
// Returns: status error; 4xx other than 408/429 is marked permanent.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	var err error
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4<<10))
	trimmedBody := strings.TrimSpace(string(rawBody))
	switch {
	case readErr != nil:
		err = fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	case trimmedBody == "":
		err = fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	default:
		err = fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
	}
	return permanent.ForStatus(response.StatusCode, err)
}

// Compile-time checks.
var (
	_ notify.Transport = (*LogTransport)(nil)
	_ notify.Transport = (*BrevoEmail)(nil)
	_ notify.Transport = (*WebhookSMS)(nil)
	_ notify.Transport = (*Telegram)(nil)
	_ notify.Transport = (*InAppPublisher)(nil)
)
