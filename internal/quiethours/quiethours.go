// Package quiethours decides whether a user's local quiet window is active.
package quiethours

import (
	"time"

	"permitalert/internal/clock"
	"permitalert/internal/domain"
)

// Calculator evaluates quiet windows against injected clock.
type Calculator struct {
	clock clock.Clock
}

// New creates calculator.
// Params: clock; nil uses real time.
// Returns: calculator.
func New(clk clock.Clock) *Calculator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Calculator{clock: clk}
}

// IsInQuietHours reports whether current local hour falls in quiet window.
// Params: user preferences with optional bounds and timezone.
// Returns: false when either bound is unset.
func (c *Calculator) IsInQuietHours(prefs domain.NotificationPreferences) bool {
	start, end, ok := bounds(prefs)
	if !ok {
		return false
	}
	hour := c.clock.Now().In(location(prefs.Timezone)).Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// QuietHoursEnd computes next instant when local clock reaches end hour.
// Params: user preferences.
// Returns: UTC end instant and false when bounds are unset.
func (c *Calculator) QuietHoursEnd(prefs domain.NotificationPreferences) (time.Time, bool) {
	_, end, ok := bounds(prefs)
	if !ok {
		return time.Time{}, false
	}
	loc := location(prefs.Timezone)
	now := c.clock.Now().In(loc)
	candidate := time.Date(now.Year(), now.Month(), now.Day(), end, 0, 0, 0, loc)
	if !candidate.After(now) {
		candidate = time.Date(now.Year(), now.Month(), now.Day()+1, end, 0, 0, 0, loc)
	}
	return candidate.UTC(), true
}

// bounds extracts validated quiet bounds.
// Params: preferences.
// Returns: start, end, and true when both are set within 0..23.
func bounds(prefs domain.NotificationPreferences) (int, int, bool) {
	if prefs.QuietHoursStart == nil || prefs.QuietHoursEnd == nil {
		return 0, 0, false
	}
	start, end := *prefs.QuietHoursStart, *prefs.QuietHoursEnd
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return 0, 0, false
	}
	return start, end, true
}

// location resolves IANA timezone name.
// Params: timezone name; empty or unknown falls back to UTC.
// Returns: location.
func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
