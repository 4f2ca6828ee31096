package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"permitalert/internal/clock"
	"permitalert/internal/config"
	"permitalert/internal/digest"
	"permitalert/internal/domain"
	"permitalert/internal/engine"
	"permitalert/internal/logging"
	"permitalert/internal/metrics"
	"permitalert/internal/notify"
)

const (
	alertModeImmediate = "immediate"
	alertModeBuffered  = "digest_buffered"
	alertModeDigest    = "digest"
	alertModeSkipped   = "skipped"
)

// PipelineOptions carries pipeline collaborators.
type PipelineOptions struct {
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Dispatcher *notify.Dispatcher
	// NewID overrides event id generation in tests.
	NewID func() string
}

// ProcessReport summarizes one processed permit batch.
type ProcessReport struct {
	Evaluated  int
	Matches    int
	Events     int
	Buffered   int
	Dispatched int
	Skipped    int
}

// Pipeline turns ingested permits into alert events and routes them to digest or dispatch.
// Params: matcher tables, workspace members, and user preferences from config snapshot.
// Returns: ingest sink and periodic sweep/digest entrypoints.
type Pipeline struct {
	mu          sync.RWMutex
	members     map[string][]string
	preferences notify.StaticPreferences
	evalWorkers int
	dispatcher  *notify.Dispatcher

	matcher *engine.Matcher
	digests *digest.Aggregator
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string
}

// NewPipeline creates pipeline with initial configuration.
// Params: validated config snapshot and collaborators.
// Returns: initialized pipeline.
func NewPipeline(cfg config.Config, opts PipelineOptions) *Pipeline {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = notify.NewDispatcher(nil, notify.DispatcherOptions{Clock: clk, Logger: logger})
	}
	p := &Pipeline{
		dispatcher: dispatcher,
		matcher:    engine.NewMatcher(clk),
		digests:    digest.New(clk),
		clock:      clk,
		logger:     logger,
		metrics:    opts.Metrics,
		newID:      newID,
	}
	p.ApplyConfig(cfg)
	return p
}

// ApplyConfig swaps rules, AOIs, members, and preferences from a new snapshot.
// Buffered digests survive the swap.
// Params: validated config snapshot.
// Returns: none.
func (p *Pipeline) ApplyConfig(cfg config.Config) {
	p.matcher.SetAOIs(cfg.AreasOfInterest())
	p.matcher.SetRules(cfg.AlertRules())

	p.mu.Lock()
	p.members = cfg.Members()
	p.preferences = notify.StaticPreferences(cfg.Preferences())
	p.evalWorkers = cfg.Service.EvalWorkers
	p.mu.Unlock()
}

// SetDispatcher replaces dispatcher used for new events and sweeps.
func (p *Pipeline) SetDispatcher(dispatcher *notify.Dispatcher) {
	if dispatcher == nil {
		return
	}
	p.mu.Lock()
	p.dispatcher = dispatcher
	p.mu.Unlock()
}

// Dispatcher returns current dispatcher.
func (p *Pipeline) Dispatcher() *notify.Dispatcher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dispatcher
}

// Matcher exposes rule matcher.
func (p *Pipeline) Matcher() *engine.Matcher {
	return p.matcher
}

// Digests exposes digest aggregator.
func (p *Pipeline) Digests() *digest.Aggregator {
	return p.digests
}

// Preferences implements notify.PreferencesSource over current snapshot.
func (p *Pipeline) Preferences(ctx context.Context, userID string) (domain.NotificationPreferences, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.preferences.Preferences(ctx, userID)
}

// Push processes one permit from ingest interfaces.
// Params: request or subscriber context and validated permit.
// Returns: processing error.
func (p *Pipeline) Push(ctx context.Context, permit domain.CleanPermit) error {
	return p.PushBatch(ctx, []domain.CleanPermit{permit})
}

// PushBatch processes permit batch from ingest interfaces.
// Params: request or subscriber context and validated permit slice; not retained after return.
// Returns: processing error.
func (p *Pipeline) PushBatch(ctx context.Context, permits []domain.CleanPermit) error {
	_, err := p.Process(ctx, permits)
	return err
}

// Process evaluates permits and routes resulting alert events.
// Params: context for evaluation and delivery, permit batch.
// Returns: batch report or evaluation error.
func (p *Pipeline) Process(ctx context.Context, permits []domain.CleanPermit) (ProcessReport, error) {
	if err := ctx.Err(); err != nil {
		return ProcessReport{}, err
	}
	p.mu.RLock()
	workers := p.evalWorkers
	dispatcher := p.dispatcher
	p.mu.RUnlock()

	result, err := p.matcher.EvaluateBatchParallel(ctx, permits, workers)
	if err != nil {
		return ProcessReport{}, fmt.Errorf("evaluate permits: %w", err)
	}
	p.metrics.ObserveEvaluation(result.TotalMatches, result.Duration)

	report := ProcessReport{Evaluated: result.TotalEvaluated, Matches: result.TotalMatches}
	events := p.BuildEvents(permits, result.Matches)
	report.Events = len(events)
	for _, event := range events {
		prefs, ok := p.Preferences(ctx, event.UserID)
		if !ok {
			p.logger.Warn("alert event skipped: no preferences", "user_id", event.UserID, "permit_id", event.PermitID)
			p.metrics.ObserveAlertEvent(alertModeSkipped)
			report.Skipped++
			continue
		}
		if p.digests.AddEvent(event, prefs) {
			p.metrics.ObserveAlertEvent(alertModeBuffered)
			report.Buffered++
			continue
		}
		p.deliver(ctx, dispatcher, event, prefs)
		p.metrics.ObserveAlertEvent(alertModeImmediate)
		report.Dispatched++
	}
	if report.Matches > 0 {
		p.logger.Info("permit batch processed",
			"evaluated", report.Evaluated,
			"matches", report.Matches,
			"events", report.Events,
			"buffered", report.Buffered,
			"dispatched", report.Dispatched,
		)
	}
	return report, nil
}

// BuildEvents groups matches into one event per (user, permit).
// Recipients are the members of each matched rule's workspace; channels are the union over matched rules.
// Params: permits in arrival order and matches keyed by permit id.
// Returns: events ordered by permit arrival, then user id.
func (p *Pipeline) BuildEvents(permits []domain.CleanPermit, matches map[string][]domain.MatchedRule) []domain.AlertEvent {
	p.mu.RLock()
	members := p.members
	p.mu.RUnlock()

	now := p.clock.Now()
	seen := make(map[string]struct{}, len(permits))
	var events []domain.AlertEvent
	for _, permit := range permits {
		if _, dup := seen[permit.ID]; dup {
			continue
		}
		seen[permit.ID] = struct{}{}
		matched := matches[permit.ID]
		if len(matched) == 0 {
			continue
		}

		byUser := make(map[string][]domain.MatchedRule)
		for _, match := range matched {
			for _, userID := range members[match.Rule.WorkspaceID] {
				byUser[userID] = append(byUser[userID], match)
			}
		}
		users := make([]string, 0, len(byUser))
		for userID := range byUser {
			users = append(users, userID)
		}
		sort.Strings(users)
		for _, userID := range users {
			events = append(events, p.newEvent(userID, permit, byUser[userID], now))
		}
	}
	return events
}

// newEvent aggregates rule matches of one user for one permit.
func (p *Pipeline) newEvent(userID string, permit domain.CleanPermit, matched []domain.MatchedRule, now time.Time) domain.AlertEvent {
	sort.Slice(matched, func(i, j int) bool { return matched[i].Rule.ID < matched[j].Rule.ID })

	var (
		channels  []domain.Channel
		ruleIDs   []string
		ruleNames []string
		matchedOn []string
	)
	for i, match := range matched {
		if i > 0 && matched[i-1].Rule.ID == match.Rule.ID {
			continue
		}
		ruleIDs = append(ruleIDs, match.Rule.ID)
		ruleNames = append(ruleNames, match.Rule.Name)
		for _, channel := range match.Rule.Channels {
			if !containsChannel(channels, channel) {
				channels = append(channels, channel)
			}
		}
		for _, name := range ruleCriteria(match.Rule, match.Details) {
			if !containsString(matchedOn, name) {
				matchedOn = append(matchedOn, name)
			}
		}
	}

	metadata := map[string]string{
		domain.MetaRuleIDs:      strings.Join(ruleIDs, ","),
		domain.MetaRuleNames:    strings.Join(ruleNames, ","),
		domain.MetaPermitNumber: permit.PermitNumber,
		domain.MetaCriteria:     strings.Join(matchedOn, ","),
	}
	if permit.County != nil {
		metadata[domain.MetaCounty] = *permit.County
	}
	if permit.OperatorID != nil {
		metadata[domain.MetaOperatorID] = *permit.OperatorID
	}

	return domain.AlertEvent{
		ID:          p.newID(),
		RuleID:      matched[0].Rule.ID,
		PermitID:    permit.ID,
		WorkspaceID: matched[0].Rule.WorkspaceID,
		UserID:      userID,
		Channels:    channels,
		CreatedAt:   now,
		Metadata:    metadata,
	}
}

// FlushDigests dispatches every due digest as one event per user.
// Params: context for delivery.
// Returns: number of digest events dispatched.
func (p *Pipeline) FlushDigests(ctx context.Context) int {
	dispatcher := p.Dispatcher()
	sent := 0
	for _, batch := range p.digests.Drain() {
		prefs, ok := p.Preferences(ctx, batch.UserID)
		if !ok {
			p.logger.Warn("digest dropped: no preferences", "user_id", batch.UserID, "events", len(batch.Events))
			continue
		}
		event := p.digestEvent(batch)
		p.deliver(ctx, dispatcher, event, prefs)
		p.metrics.ObserveAlertEvent(alertModeDigest)
		sent++
	}
	return sent
}

// digestEvent folds buffered events into one digest event.
func (p *Pipeline) digestEvent(batch digest.Batch) domain.AlertEvent {
	var (
		channels  []domain.Channel
		eventIDs  []string
		permitIDs []string
	)
	for _, event := range batch.Events {
		eventIDs = append(eventIDs, event.ID)
		permitIDs = append(permitIDs, event.PermitID)
		for _, channel := range event.Channels {
			if !containsChannel(channels, channel) {
				channels = append(channels, channel)
			}
		}
	}
	workspaceID := ""
	if len(batch.Events) > 0 {
		workspaceID = batch.Events[0].WorkspaceID
	}
	return domain.AlertEvent{
		ID:          p.newID(),
		WorkspaceID: workspaceID,
		UserID:      batch.UserID,
		Channels:    channels,
		CreatedAt:   p.clock.Now(),
		Metadata: map[string]string{
			domain.MetaDigestCount:     strconv.Itoa(len(batch.Events)),
			domain.MetaEventIDs:        strings.Join(eventIDs, ","),
			domain.MetaPermitIDs:       strings.Join(permitIDs, ","),
			domain.MetaDigestFrequency: string(batch.Frequency),
		},
	}
}

// Sweep retries due notifications through current dispatcher.
// Params: context for store and delivery.
// Returns: sweep results or store error.
func (p *Pipeline) Sweep(ctx context.Context) ([]domain.DeliveryResult, error) {
	results, err := p.Dispatcher().Sweep(ctx, p)
	p.metrics.ObserveSweep(err)
	return results, err
}

// Tick runs one sweep and one digest flush.
// Params: context for store and delivery.
// Returns: sweep error.
func (p *Pipeline) Tick(ctx context.Context) error {
	if _, err := p.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	p.FlushDigests(ctx)
	return nil
}

func (p *Pipeline) deliver(ctx context.Context, dispatcher *notify.Dispatcher, event domain.AlertEvent, prefs domain.NotificationPreferences) {
	results := dispatcher.Dispatch(ctx, event, prefs)
	for channel, result := range results {
		if result.Status == domain.StatusDelivered {
			continue
		}
		p.logger.Info("alert not delivered",
			"event_id", event.ID,
			"user_id", event.UserID,
			"channel", string(channel),
			"status", string(result.Status),
			"error", result.Error,
		)
	}
}

func containsString(values []string, value string) bool {
	for _, existing := range values {
		if existing == value {
			return true
		}
	}
	return false
}

func containsChannel(channels []domain.Channel, channel domain.Channel) bool {
	for _, existing := range channels {
		if existing == channel {
			return true
		}
	}
	return false
}

// ruleCriteria lists criteria the rule sets and the permit satisfied, in fixed order.
func ruleCriteria(rule domain.AlertRule, details domain.MatchDetails) []string {
	filters := rule.Filters
	checks := []struct {
		name string
		set  bool
		hit  bool
	}{
		{"aoi", len(rule.AOIIDs) > 0, details.AOI},
		{"operator", len(filters.OperatorIDs) > 0, details.Operator},
		{"county", len(filters.Counties) > 0, details.County},
		{"status", len(filters.Statuses) > 0, details.Status},
		{"type", len(filters.PermitTypes) > 0, details.Type},
		{"date", filters.FiledAfter != nil, details.Date},
		{"watchlist", len(rule.OperatorWatchlist) > 0, details.Watchlist},
	}
	var out []string
	for _, check := range checks {
		if check.set && check.hit {
			out = append(out, check.name)
		}
	}
	return out
}
