package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"permitalert/internal/config"
	"permitalert/internal/logging"

	"github.com/nats-io/nats.go"
)

const sourceNATS = "nats"

// NATSSubscriber consumes permit payloads from a JetStream work stream.
// Every worker is a queue subscription bound to one durable consumer, so each
// message is handled by exactly one worker.
type NATSSubscriber struct {
	nc        *nats.Conn
	subs      []*nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	sink      PermitSink
	observer  Observer
	logger    *slog.Logger
	nackDelay time.Duration
}

// NewNATSSubscriber connects, ensures the permit stream, and starts workers.
// Messages carry one permit object or a permit array.
// Params: ingest NATS config, sink, optional observer, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink PermitSink, observer Observer, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("permitalert-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureStream(js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &NATSSubscriber{
		nc:        nc,
		ctx:       ctx,
		cancel:    cancel,
		sink:      sink,
		observer:  observer,
		logger:    logger,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, s.handle,
			nats.BindStream(cfg.Stream),
			nats.Durable(cfg.ConsumerName),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(time.Duration(cfg.AckWaitSec)*time.Second),
			nats.MaxDeliver(cfg.MaxDeliver),
			nats.MaxAckPending(cfg.MaxAckPending),
			nats.DeliverAll(),
		)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q worker %d: %w", cfg.Subject, cfg.DeliverGroup, i, err)
		}
		s.subs = append(s.subs, sub)
	}
	logger.Info("nats ingest started", "subject", cfg.Subject, "stream", cfg.Stream, "workers", workers)
	return s, nil
}

// handle decodes one message and settles it.
// Undecodable payloads are acked so they are not redelivered forever; sink
// failures are nacked with delay so the stream redelivers them.
func (s *NATSSubscriber) handle(message *nats.Msg) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)

	result, err := decodePermitPayloadInto(message.Data, scratch)
	if err != nil {
		observe(s.observer, sourceNATS, 0, 1)
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ack(message)
		return
	}
	observe(s.observer, sourceNATS, len(result.permits), len(result.rejected))
	for _, rejection := range result.rejected {
		s.logger.Warn("nats ingest permit rejected", "subject", message.Subject, "index", rejection.Index, "error", rejection.Error)
	}
	if err := pushPermits(s.ctx, s.sink, result.permits); err != nil {
		s.logger.Error("nats ingest push failed", "subject", message.Subject, "permits", len(result.permits), "error", err.Error())
		s.nack(message)
		return
	}
	s.ack(message)
}

// ensureStream creates the permit stream when it does not exist yet.
// Params: JetStream context and ingest config.
// Returns: lookup/create error.
func ensureStream(js nats.JetStreamContext, cfg config.NATSIngestConfig) error {
	_, err := js.StreamInfo(cfg.Stream)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, nats.ErrStreamNotFound):
		return fmt.Errorf("lookup stream %q: %w", cfg.Stream, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("create stream %q: %w", cfg.Stream, err)
	}
	return nil
}

func (s *NATSSubscriber) ack(message *nats.Msg) {
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "error", err.Error())
	}
}

func (s *NATSSubscriber) nack(message *nats.Msg) {
	var err error
	if s.nackDelay > 0 {
		err = message.NakWithDelay(s.nackDelay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close cancels in-flight pushes, drains worker subscriptions, and closes connection.
// Interrupted messages are nacked and redelivered by the stream.
// Params: none.
// Returns: first drain error.
func (s *NATSSubscriber) Close() error {
	s.cancel()
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.nc.Close()
	return firstErr
}
