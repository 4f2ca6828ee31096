package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"permitalert/internal/clock"
	"permitalert/internal/domain"
	"permitalert/internal/permanent"
)

var workerNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type captureTransport struct {
	mu       sync.Mutex
	fails    int
	err      error
	calls    int
	sent     []Payload
	destines []string
}

func (c *captureTransport) Send(_ context.Context, destination string, payload Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.fails {
		if c.err != nil {
			return c.err
		}
		return errors.New("provider unavailable")
	}
	c.sent = append(c.sent, payload)
	c.destines = append(c.destines, destination)
	return nil
}

func (c *captureTransport) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func intPtr(v int) *int { return &v }

func emailPrefs() domain.NotificationPreferences {
	return domain.NotificationPreferences{
		UserID:          "u1",
		EmailEnabled:    true,
		EmailAddress:    "u1@example.com",
		SMSEnabled:      true,
		PhoneNumber:     "+15550000001",
		InAppEnabled:    true,
		DigestFrequency: domain.DigestImmediate,
	}
}

func testEvent() domain.AlertEvent {
	return domain.AlertEvent{
		ID:       "e1",
		RuleID:   "r1",
		PermitID: "p1",
		UserID:   "u1",
		Channels: []domain.Channel{domain.ChannelEmail},
		Metadata: map[string]string{
			domain.MetaPermitNumber: "N-100",
			domain.MetaCounty:       "Midland",
			domain.MetaRuleNames:    "Midland drilling",
		},
		CreatedAt: workerNow,
	}
}

func TestEmailWorkerChecks(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name        string
		mutatePrefs func(*domain.NotificationPreferences)
		wantStatus  domain.NotificationStatus
		wantError   string
		wantRetry   bool
		wantCalls   int
	}

	cases := []testCase{
		{
			name:       "delivers",
			wantStatus: domain.StatusDelivered,
			wantCalls:  1,
		},
		{
			name: "disabled",
			mutatePrefs: func(p *domain.NotificationPreferences) {
				p.EmailEnabled = false
			},
			wantStatus: domain.StatusFailed,
			wantError:  "Email notifications disabled",
		},
		{
			name: "missing address",
			mutatePrefs: func(p *domain.NotificationPreferences) {
				p.EmailAddress = ""
			},
			wantStatus: domain.StatusFailed,
			wantError:  "No email address configured",
		},
		{
			name: "full day quiet hours defer",
			mutatePrefs: func(p *domain.NotificationPreferences) {
				p.QuietHoursStart = intPtr(0)
				p.QuietHoursEnd = intPtr(23)
			},
			wantStatus: domain.StatusDeferred,
			wantRetry:  true,
		},
		{
			name: "disabled wins over quiet hours",
			mutatePrefs: func(p *domain.NotificationPreferences) {
				p.EmailEnabled = false
				p.QuietHoursStart = intPtr(0)
				p.QuietHoursEnd = intPtr(23)
			},
			wantStatus: domain.StatusFailed,
			wantError:  "Email notifications disabled",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			prefs := emailPrefs()
			if tc.mutatePrefs != nil {
				tc.mutatePrefs(&prefs)
			}
			transport := &captureTransport{}
			worker := NewEmailWorker(WorkerOptions{Transport: transport, Clock: clock.NewManual(workerNow)})

			result := worker.ProcessEvent(context.Background(), testEvent(), prefs)
			if result.Status != tc.wantStatus {
				t.Fatalf("status=%s want %s (error=%q)", result.Status, tc.wantStatus, result.Error)
			}
			if result.Success != (tc.wantStatus == domain.StatusDelivered) {
				t.Fatalf("unexpected success flag %v", result.Success)
			}
			if result.Error != tc.wantError {
				t.Fatalf("error=%q want %q", result.Error, tc.wantError)
			}
			if (result.RetryAfter != nil) != tc.wantRetry {
				t.Fatalf("retry_after=%v want set=%v", result.RetryAfter, tc.wantRetry)
			}
			if tc.wantError != "" && !result.Terminal {
				t.Fatalf("configuration failure must be terminal")
			}
			if transport.callCount() != tc.wantCalls {
				t.Fatalf("transport calls=%d want %d", transport.callCount(), tc.wantCalls)
			}
		})
	}
}

func TestEmailWorkerQuietHoursRetryAfterIsWindowEnd(t *testing.T) {
	t.Parallel()

	prefs := emailPrefs()
	prefs.QuietHoursStart = intPtr(0)
	prefs.QuietHoursEnd = intPtr(23)
	worker := NewEmailWorker(WorkerOptions{Transport: &captureTransport{}, Clock: clock.NewManual(workerNow)})

	result := worker.ProcessEvent(context.Background(), testEvent(), prefs)
	want := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	if result.RetryAfter == nil || !result.RetryAfter.Equal(want) {
		t.Fatalf("retry_after=%v want %v", result.RetryAfter, want)
	}
}

func TestEmailWorkerRendersPayload(t *testing.T) {
	t.Parallel()

	transport := &captureTransport{}
	worker := NewEmailWorker(WorkerOptions{Transport: transport, Clock: clock.NewManual(workerNow)})
	worker.ProcessEvent(context.Background(), testEvent(), emailPrefs())

	if len(transport.sent) != 1 {
		t.Fatalf("expected one payload, got %d", len(transport.sent))
	}
	if transport.destines[0] != "u1@example.com" {
		t.Fatalf("destination=%q", transport.destines[0])
	}
	if transport.sent[0].Subject != "Permit alert: N-100" {
		t.Fatalf("subject=%q", transport.sent[0].Subject)
	}
	if !strings.Contains(transport.sent[0].Body, "in Midland matched Midland drilling") {
		t.Fatalf("body=%q", transport.sent[0].Body)
	}
}

func TestWorkerRateLimitDefers(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	transport := &captureTransport{}
	worker := NewSMSWorker(WorkerOptions{
		Transport: transport,
		Clock:     clk,
		RateLimit: RateLimit{MaxRequests: 2, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		if got := worker.ProcessEvent(context.Background(), testEvent(), emailPrefs()); got.Status != domain.StatusDelivered {
			t.Fatalf("request %d status=%s", i, got.Status)
		}
	}
	denied := worker.ProcessEvent(context.Background(), testEvent(), emailPrefs())
	if denied.Status != domain.StatusDeferred || denied.RetryAfter == nil {
		t.Fatalf("expected deferred with retry_after, got %+v", denied)
	}
	if !denied.RetryAfter.Equal(workerNow.Add(time.Minute)) {
		t.Fatalf("retry_after=%v", denied.RetryAfter)
	}
	if denied.Terminal {
		t.Fatalf("rate limit deferral must not be terminal")
	}
	if transport.callCount() != 2 {
		t.Fatalf("transport calls=%d", transport.callCount())
	}
}

func TestWorkerTransportFailure(t *testing.T) {
	t.Parallel()

	worker := NewEmailWorker(WorkerOptions{Transport: &captureTransport{fails: 1}, Clock: clock.NewManual(workerNow)})
	result := worker.ProcessEvent(context.Background(), testEvent(), emailPrefs())
	if result.Status != domain.StatusFailed || result.Error != "provider unavailable" || result.Terminal || !result.Attempted {
		t.Fatalf("unexpected result %+v", result)
	}

	worker = NewEmailWorker(WorkerOptions{
		Transport: &captureTransport{fails: 1, err: permanent.Mark(errors.New("mailbox rejected"))},
		Clock:     clock.NewManual(workerNow),
	})
	result = worker.ProcessEvent(context.Background(), testEvent(), emailPrefs())
	if result.Status != domain.StatusFailed || !result.Terminal {
		t.Fatalf("permanent transport error must be terminal: %+v", result)
	}
}

func TestWorkerRecoversTransportPanic(t *testing.T) {
	t.Parallel()

	panicking := TransportFunc(func(context.Context, string, Payload) error { panic("boom") })
	worker := NewEmailWorker(WorkerOptions{Transport: panicking, Clock: clock.NewManual(workerNow)})
	result := worker.ProcessEvent(context.Background(), testEvent(), emailPrefs())
	if result.Status != domain.StatusFailed || !strings.Contains(result.Error, "boom") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestWorkerRetryBackoffAndTerminal(t *testing.T) {
	t.Parallel()

	recorder := &sleepRecorder{}
	transport := &captureTransport{}
	worker := NewEmailWorker(WorkerOptions{
		Transport: transport,
		Clock:     clock.NewManual(workerNow),
		Policy:    RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond},
		Sleep:     recorder.sleep,
	})

	for attempts := 0; attempts < 3; attempts++ {
		result := worker.Retry(context.Background(), domain.Notification{Attempts: attempts, Event: testEvent()}, emailPrefs())
		if result.Status != domain.StatusDelivered {
			t.Fatalf("attempts=%d status=%s", attempts, result.Status)
		}
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	if len(recorder.delays) != len(want) {
		t.Fatalf("delays=%v", recorder.delays)
	}
	for i := range want {
		if recorder.delays[i] != want[i] {
			t.Fatalf("delay[%d]=%v want %v", i, recorder.delays[i], want[i])
		}
	}

	exhausted := worker.Retry(context.Background(), domain.Notification{Attempts: 3, Event: testEvent()}, emailPrefs())
	if exhausted.Status != domain.StatusFailed || !exhausted.Terminal || exhausted.Error != "Max retries exceeded" {
		t.Fatalf("unexpected exhausted result %+v", exhausted)
	}
	if len(recorder.delays) != 3 {
		t.Fatalf("exhausted retry must not wait")
	}
}

func TestSMSWorkerExhaustedSuggestsEmail(t *testing.T) {
	t.Parallel()

	worker := NewSMSWorker(WorkerOptions{Transport: &captureTransport{}})
	if worker.Policy().MaxRetries != 2 {
		t.Fatalf("sms default max retries=%d", worker.Policy().MaxRetries)
	}
	result := worker.Retry(context.Background(), domain.Notification{Attempts: 2, Event: testEvent()}, emailPrefs())
	if !strings.Contains(result.Error, "email fallback") || !result.Terminal {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestWorkerRetryCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	transport := &captureTransport{}
	worker := NewEmailWorker(WorkerOptions{
		Transport: transport,
		Policy:    RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := worker.Retry(ctx, domain.Notification{Event: testEvent()}, emailPrefs())
	if result.Status != domain.StatusFailed || result.Terminal || result.Attempted {
		t.Fatalf("unexpected result %+v", result)
	}
	if transport.callCount() != 0 {
		t.Fatalf("transport must not be called after cancel")
	}
}

func TestInAppWorker(t *testing.T) {
	t.Parallel()

	publisher := &captureTransport{fails: 1}
	worker := NewInAppWorker(WorkerOptions{Transport: publisher})

	result := worker.ProcessEvent(context.Background(), testEvent(), emailPrefs())
	if !result.Success || result.Status != domain.StatusDelivered {
		t.Fatalf("in-app must succeed even when publish fails: %+v", result)
	}

	prefs := emailPrefs()
	prefs.InAppEnabled = false
	result = worker.ProcessEvent(context.Background(), testEvent(), prefs)
	if result.Status != domain.StatusFailed || result.Error != "In-app notifications disabled" {
		t.Fatalf("unexpected disabled result %+v", result)
	}

	retried := worker.Retry(context.Background(), domain.Notification{Attempts: 99}, prefs)
	if !retried.Success {
		t.Fatalf("in-app retry is a no-op success")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base := time.Second
	max := time.Minute
	cases := map[int]time.Duration{
		0:   time.Second,
		1:   2 * time.Second,
		5:   32 * time.Second,
		6:   time.Minute,
		200: time.Minute,
	}
	for attempts, want := range cases {
		if got := Backoff(attempts, base, max); got != want {
			t.Fatalf("Backoff(%d)=%v want %v", attempts, got, want)
		}
	}
	if got := Backoff(3, 0, max); got != 0 {
		t.Fatalf("zero base must not wait, got %v", got)
	}
}

func TestWaitBackoffHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitBackoff(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
	if err := waitBackoff(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}
}
