package quiethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitalert/internal/clock"
	"permitalert/internal/domain"
)

func intPtr(v int) *int { return &v }

func TestIsInQuietHoursWrapsMidnight(t *testing.T) {
	t.Parallel()

	prefs := domain.NotificationPreferences{QuietHoursStart: intPtr(22), QuietHoursEnd: intPtr(6)}
	cases := map[int]bool{23: true, 0: true, 5: true, 22: true, 6: false, 12: false, 21: false}
	for hour, want := range cases {
		clk := clock.NewManual(time.Date(2024, 6, 1, hour, 30, 0, 0, time.UTC))
		assert.Equal(t, want, New(clk).IsInQuietHours(prefs), "hour %d", hour)
	}
}

func TestIsInQuietHoursSameDayWindow(t *testing.T) {
	t.Parallel()

	prefs := domain.NotificationPreferences{QuietHoursStart: intPtr(9), QuietHoursEnd: intPtr(17)}
	cases := map[int]bool{8: false, 9: true, 16: true, 17: false}
	for hour, want := range cases {
		clk := clock.NewManual(time.Date(2024, 6, 1, hour, 0, 0, 0, time.UTC))
		assert.Equal(t, want, New(clk).IsInQuietHours(prefs), "hour %d", hour)
	}
}

func TestIsInQuietHoursRequiresBothBounds(t *testing.T) {
	t.Parallel()

	calc := New(clock.NewManual(time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)))
	assert.False(t, calc.IsInQuietHours(domain.NotificationPreferences{QuietHoursStart: intPtr(22)}))
	assert.False(t, calc.IsInQuietHours(domain.NotificationPreferences{QuietHoursEnd: intPtr(6)}))
	_, ok := calc.QuietHoursEnd(domain.NotificationPreferences{QuietHoursStart: intPtr(22)})
	assert.False(t, ok)
}

func TestIsInQuietHoursUsesTimezone(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 03:00 UTC is 22:00 CDT the previous evening.
	clk := clock.NewManual(time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC))
	prefs := domain.NotificationPreferences{
		Timezone:        loc.String(),
		QuietHoursStart: intPtr(22),
		QuietHoursEnd:   intPtr(6),
	}
	calc := New(clk)
	require.True(t, calc.IsInQuietHours(prefs))

	end, ok := calc.QuietHoursEnd(prefs)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 2, 11, 0, 0, 0, time.UTC), end)
}

func TestQuietHoursEndRollsCalendar(t *testing.T) {
	t.Parallel()

	prefs := domain.NotificationPreferences{QuietHoursStart: intPtr(22), QuietHoursEnd: intPtr(6)}
	clk := clock.NewManual(time.Date(2024, 12, 31, 23, 15, 0, 0, time.UTC))
	end, ok := New(clk).QuietHoursEnd(prefs)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC), end)

	clk.Set(time.Date(2024, 2, 29, 2, 0, 0, 0, time.UTC))
	end, _ = New(clk).QuietHoursEnd(prefs)
	assert.Equal(t, time.Date(2024, 2, 29, 6, 0, 0, 0, time.UTC), end)
}

func TestQuietHoursEndFullDayWindow(t *testing.T) {
	t.Parallel()

	prefs := domain.NotificationPreferences{QuietHoursStart: intPtr(0), QuietHoursEnd: intPtr(23)}
	clk := clock.NewManual(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	calc := New(clk)
	require.True(t, calc.IsInQuietHours(prefs))
	end, ok := calc.QuietHoursEnd(prefs)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC), end)
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	t.Parallel()

	prefs := domain.NotificationPreferences{Timezone: "Not/AZone", QuietHoursStart: intPtr(1), QuietHoursEnd: intPtr(2)}
	calc := New(clock.NewManual(time.Date(2024, 6, 1, 1, 30, 0, 0, time.UTC)))
	assert.True(t, calc.IsInQuietHours(prefs))
}
