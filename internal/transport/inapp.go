package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"permitalert/internal/domain"
	"permitalert/internal/notify"
)

// InAppMessage is feed item published for in-app clients.
type InAppMessage struct {
	UserID      string            `json:"user_id"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Event       domain.AlertEvent `json:"event"`
	PublishedAt time.Time         `json:"published_at"`
}

// InAppPublisher publishes in-app feed items to `<prefix>.<user>` NATS subjects.
type InAppPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewInAppPublisher connects to NATS for in-app feed publishing.
// Params: NATS URL list and subject prefix.
// Returns: connected publisher or connect error.
func NewInAppPublisher(urls []string, prefix string) (*InAppPublisher, error) {
	if len(urls) == 0 {
		return nil, errors.New("in-app publisher requires nats url")
	}
	nc, err := nats.Connect(strings.Join(urls, ","), nats.Name("permitalert-inapp"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &InAppPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns feed subject for user.
func (p *InAppPublisher) Subject(userID string) string {
	return p.prefix + "." + subjectToken(userID)
}

// Send publishes one feed item.
// Params: context, user id, and rendered payload.
// Returns: marshal/publish error.
func (p *InAppPublisher) Send(ctx context.Context, userID string, payload notify.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(InAppMessage{
		UserID:      userID,
		Subject:     payload.Subject,
		Body:        payload.Body,
		Event:       payload.Event,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal in-app message: %w", err)
	}
	if err := p.nc.Publish(p.Subject(userID), raw); err != nil {
		return fmt.Errorf("publish in-app message: %w", err)
	}
	return nil
}

// Close drains publisher connection.
func (p *InAppPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// subjectToken replaces NATS subject separators and wildcards.
func subjectToken(raw string) string {
	replacer := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	token := replacer.Replace(strings.TrimSpace(raw))
	if token == "" {
		return "_"
	}
	return token
}
