package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"permitalert/internal/clock"
	"permitalert/internal/domain"
	"permitalert/internal/geo"
)

// Matcher evaluates permits against active alert rules.
// Params: rule and AOI tables are replaced wholesale and guarded by RWMutex.
// Returns: matcher safe for concurrent evaluation and replacement.
type Matcher struct {
	mu    sync.RWMutex
	rules []domain.AlertRule
	aois  map[string]domain.AreaOfInterest
	clock clock.Clock
}

// BatchResult summarizes one batch evaluation.
type BatchResult struct {
	Matches        map[string][]domain.MatchedRule
	TotalEvaluated int
	TotalMatches   int
	Duration       time.Duration
}

// NewMatcher creates empty matcher.
// Params: clock for match timestamps; nil uses real clock.
// Returns: matcher with no rules and no AOIs.
func NewMatcher(clk clock.Clock) *Matcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Matcher{aois: map[string]domain.AreaOfInterest{}, clock: clk}
}

// SetRules replaces rule table keeping only active rules.
// Params: full rule list.
// Returns: none.
func (m *Matcher) SetRules(rules []domain.AlertRule) {
	active := make([]domain.AlertRule, 0, len(rules))
	for _, rule := range rules {
		if rule.IsActive {
			active = append(active, rule)
		}
	}
	m.mu.Lock()
	m.rules = active
	m.mu.Unlock()
}

// SetAOIs replaces AOI lookup table.
// Params: full AOI list; later duplicates win.
// Returns: none.
func (m *Matcher) SetAOIs(aois []domain.AreaOfInterest) {
	table := make(map[string]domain.AreaOfInterest, len(aois))
	for _, aoi := range aois {
		table[aoi.ID] = aoi
	}
	m.mu.Lock()
	m.aois = table
	m.mu.Unlock()
}

// RuleCount returns number of active rules.
func (m *Matcher) RuleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// RulesForWorkspace returns active rules owned by workspace.
// Params: workspace identifier.
// Returns: copy of matching rules in load order.
func (m *Matcher) RulesForWorkspace(workspaceID string) []domain.AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AlertRule, 0)
	for _, rule := range m.rules {
		if rule.WorkspaceID == workspaceID {
			out = append(out, rule)
		}
	}
	return out
}

// EvaluatePermit evaluates one permit against all active rules.
// Params: permit to evaluate.
// Returns: matched rules in rule load order.
func (m *Matcher) EvaluatePermit(permit domain.CleanPermit) []domain.MatchedRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evaluateLocked(permit, m.clock.Now())
}

// EvaluateBatch evaluates permits sequentially.
// Params: permit batch.
// Returns: matches keyed by permit id with totals and wall duration.
func (m *Matcher) EvaluateBatch(permits []domain.CleanPermit) BatchResult {
	started := time.Now()
	m.mu.RLock()
	now := m.clock.Now()
	result := BatchResult{Matches: make(map[string][]domain.MatchedRule, len(permits))}
	for _, permit := range permits {
		matched := m.evaluateLocked(permit, now)
		result.TotalEvaluated++
		if len(matched) == 0 {
			continue
		}
		result.Matches[permit.ID] = append(result.Matches[permit.ID], matched...)
		result.TotalMatches += len(matched)
	}
	m.mu.RUnlock()
	result.Duration = time.Since(started)
	return result
}

// EvaluateBatchParallel shards batch across worker goroutines.
// Params: context for cancellation, permit batch, and worker count (<=1 runs sequentially).
// Returns: same result shape as EvaluateBatch or context error.
func (m *Matcher) EvaluateBatchParallel(ctx context.Context, permits []domain.CleanPermit, workers int) (BatchResult, error) {
	if workers <= 1 || len(permits) < 2 {
		return m.EvaluateBatch(permits), nil
	}
	if workers > len(permits) {
		workers = len(permits)
	}

	started := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()

	perPermit := make([][]domain.MatchedRule, len(permits))
	group, groupCtx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		shard := w
		group.Go(func() error {
			for i := shard; i < len(permits); i += workers {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				perPermit[i] = m.evaluateLocked(permits[i], now)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Matches: make(map[string][]domain.MatchedRule, len(permits)), TotalEvaluated: len(permits)}
	for i, matched := range perPermit {
		if len(matched) == 0 {
			continue
		}
		id := permits[i].ID
		result.Matches[id] = append(result.Matches[id], matched...)
		result.TotalMatches += len(matched)
	}
	result.Duration = time.Since(started)
	return result, nil
}

// evaluateLocked runs precedence over every rule; caller holds read lock.
// Params: permit and match timestamp.
// Returns: matched rules.
func (m *Matcher) evaluateLocked(permit domain.CleanPermit, now time.Time) []domain.MatchedRule {
	var out []domain.MatchedRule
	for _, rule := range m.rules {
		details, ok := m.matchRule(rule, permit)
		if !ok {
			continue
		}
		out = append(out, domain.MatchedRule{Rule: rule, Permit: permit, Details: details, MatchedAt: now})
	}
	return out
}

// matchRule computes criterion breakdown and applies match precedence.
// Params: one active rule and permit.
// Returns: details and final decision.
func (m *Matcher) matchRule(rule domain.AlertRule, permit domain.CleanPermit) (domain.MatchDetails, bool) {
	filters := rule.Filters
	details := domain.MatchDetails{
		AOI:       m.matchAOI(rule, permit),
		Operator:  matchList(filters.OperatorIDs, permit.OperatorID),
		County:    matchList(filters.Counties, permit.County),
		Status:    matchList(filters.Statuses, permit.Status),
		Type:      matchList(filters.PermitTypes, permit.PermitType),
		Date:      matchFiledAfter(filters.FiledAfter, permit.FiledDate),
		Watchlist: matchWatchlist(rule.OperatorWatchlist, permit.OperatorID),
	}

	if permit.IsAmendment && !rule.NotifyOnAmendment {
		return details, false
	}
	if details.Watchlist {
		return details, true
	}

	hasAOI := len(rule.AOIIDs) > 0
	hasFilters := filters.HasAny()
	allFilters := details.Operator && details.County && details.Status && details.Type && details.Date
	switch {
	case hasAOI && hasFilters:
		return details, details.AOI && allFilters
	case hasAOI:
		return details, details.AOI
	case hasFilters:
		return details, allFilters
	default:
		// Only a rule with no AOI, no filters and no watchlist is a catch-all.
		return details, len(rule.OperatorWatchlist) == 0
	}
}

// matchAOI checks permit location against rule AOIs.
// Params: rule AOI ids and permit coordinates.
// Returns: true for unscoped rule or when any known AOI contains the point.
func (m *Matcher) matchAOI(rule domain.AlertRule, permit domain.CleanPermit) bool {
	if len(rule.AOIIDs) == 0 {
		return true
	}
	if !permit.HasLocation() {
		return false
	}
	lat, lon := *permit.SurfaceLat, *permit.SurfaceLon
	for _, id := range rule.AOIIDs {
		aoi, ok := m.aois[id]
		if !ok {
			continue
		}
		if geo.PointInAOI(lat, lon, aoi) {
			return true
		}
	}
	return false
}

// matchList checks case-sensitive inclusion.
// Params: allowed values and optional permit value.
// Returns: true when filter is unset or value is listed.
func matchList(allowed []string, value *string) bool {
	if len(allowed) == 0 {
		return true
	}
	if value == nil {
		return false
	}
	return containsString(allowed, *value)
}

// matchFiledAfter checks inclusive lower bound on filed date.
// Params: optional bound and optional permit date.
// Returns: true when bound is unset or filed date is not before it.
func matchFiledAfter(bound, filed *time.Time) bool {
	if bound == nil {
		return true
	}
	if filed == nil {
		return false
	}
	return !filed.Before(*bound)
}

// matchWatchlist checks operator membership in watchlist.
// Params: watchlist ids and optional operator id.
// Returns: true only for non-empty watchlist containing operator.
func matchWatchlist(watchlist []string, operatorID *string) bool {
	if len(watchlist) == 0 || operatorID == nil {
		return false
	}
	return containsString(watchlist, *operatorID)
}

// containsString checks case-sensitive membership.
// Params: haystack string list and expected value.
// Returns: true when value exists in list.
func containsString(values []string, expected string) bool {
	for _, v := range values {
		if v == expected {
			return true
		}
	}
	return false
}
