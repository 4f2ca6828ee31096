// Package digest buffers alert events per user for hourly and daily delivery.
package digest

import (
	"sort"
	"sync"
	"time"

	"permitalert/internal/clock"
	"permitalert/internal/domain"
)

// Aggregator owns per-user ordered event buffers.
type Aggregator struct {
	mu      sync.Mutex
	clock   clock.Clock
	pending map[string][]domain.AlertEvent
	freq    map[string]domain.DigestFrequency
}

// Batch is one drained user digest.
type Batch struct {
	UserID    string
	Frequency domain.DigestFrequency
	Events    []domain.AlertEvent
}

// New creates empty aggregator.
// Params: clock for age checks; nil uses real time.
// Returns: aggregator.
func New(clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Aggregator{
		clock:   clk,
		pending: map[string][]domain.AlertEvent{},
		freq:    map[string]domain.DigestFrequency{},
	}
}

// AddEvent buffers event unless user wants immediate delivery.
// Params: event and recipient preferences.
// Returns: false when caller must dispatch immediately.
func (a *Aggregator) AddEvent(event domain.AlertEvent, prefs domain.NotificationPreferences) bool {
	if prefs.DigestFrequency == "" || prefs.DigestFrequency == domain.DigestImmediate {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[event.UserID] = append(a.pending[event.UserID], event)
	a.freq[event.UserID] = prefs.DigestFrequency
	return true
}

// Digest returns buffered events for user.
// Params: user id.
// Returns: copy in insertion order.
func (a *Aggregator) Digest(userID string) []domain.AlertEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	events := a.pending[userID]
	out := make([]domain.AlertEvent, len(events))
	copy(out, events)
	return out
}

// ClearDigest drops user buffer.
// Params: user id.
// Returns: none.
func (a *Aggregator) ClearDigest(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, userID)
	delete(a.freq, userID)
}

// ShouldSendDigest reports whether oldest buffered event is old enough.
// Params: user id and frequency to test against.
// Returns: false for empty buffer or immediate frequency.
func (a *Aggregator) ShouldSendDigest(userID string, freq domain.DigestFrequency) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dueLocked(userID, freq, a.clock.Now())
}

// Users lists users with buffered events.
// Params: none.
// Returns: sorted user ids.
func (a *Aggregator) Users() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	users := make([]string, 0, len(a.pending))
	for user := range a.pending {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// Drain removes and returns every digest that is due now.
// Params: none.
// Returns: due batches sorted by user id.
func (a *Aggregator) Drain() []Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	var out []Batch
	for user, events := range a.pending {
		freq := a.freq[user]
		if !a.dueLocked(user, freq, now) {
			continue
		}
		out = append(out, Batch{UserID: user, Frequency: freq, Events: events})
		delete(a.pending, user)
		delete(a.freq, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// dueLocked evaluates digest age; caller holds lock.
// Params: user id, frequency, and current time.
// Returns: true when oldest event age reaches frequency period.
func (a *Aggregator) dueLocked(userID string, freq domain.DigestFrequency, now time.Time) bool {
	events := a.pending[userID]
	if len(events) == 0 {
		return false
	}
	period, ok := Period(freq)
	if !ok {
		return false
	}
	oldest := events[0].CreatedAt
	for _, e := range events[1:] {
		if e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	return now.Sub(oldest) >= period
}

// Period maps frequency to buffering duration.
// Params: digest frequency.
// Returns: period and false for immediate or unknown values.
func Period(freq domain.DigestFrequency) (time.Duration, bool) {
	switch freq {
	case domain.DigestHourly:
		return time.Hour, true
	case domain.DigestDaily:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}
