package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"permitalert/internal/clock"
	"permitalert/internal/domain"
	"permitalert/internal/store"
)

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("n-%d", n.Add(1))
	}
}

func newTestDispatcher(t *testing.T, clk *clock.Manual, workers ...Worker) (*Dispatcher, store.NotificationStore) {
	t.Helper()
	st := store.NewMemoryStore()
	d := NewDispatcher(st, DispatcherOptions{Clock: clk, NewID: sequentialIDs()}, workers...)
	return d, st
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestDispatchRecordsPerChannel(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	email := &captureTransport{}
	sms := &captureTransport{fails: 1}
	opts := WorkerOptions{Clock: clk, Sleep: noSleep}
	d, st := newTestDispatcher(t, clk, DefaultWorkers(opts, email, sms, nil)...)

	event := testEvent()
	event.Channels = []domain.Channel{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelInApp, domain.ChannelEmail}
	results := d.Dispatch(context.Background(), event, emailPrefs())

	if len(results) != 3 {
		t.Fatalf("expected three channel results, got %d", len(results))
	}
	if !results[domain.ChannelEmail].Success || !results[domain.ChannelInApp].Success {
		t.Fatalf("email and in-app must deliver: %+v", results)
	}
	if results[domain.ChannelSMS].Status != domain.StatusFailed {
		t.Fatalf("sms must fail: %+v", results[domain.ChannelSMS])
	}
	if email.callCount() != 1 {
		t.Fatalf("duplicate channel must send once, got %d", email.callCount())
	}

	records, err := st.ListByEvent(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("list by event: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected three notification records, got %d", len(records))
	}
	for _, record := range records {
		switch record.Channel {
		case domain.ChannelEmail, domain.ChannelInApp:
			if record.Attempts != 1 || record.DeliveredAt == nil || record.Status != domain.StatusDelivered {
				t.Fatalf("unexpected delivered record %+v", record)
			}
		case domain.ChannelSMS:
			if record.Attempts != 0 || record.Status != domain.StatusFailed || record.LastAttemptAt == nil {
				t.Fatalf("unexpected failed record %+v", record)
			}
			if record.Event.ID != event.ID {
				t.Fatalf("record must embed event copy")
			}
		default:
			t.Fatalf("unexpected channel %s", record.Channel)
		}
	}
}

func TestDispatchUnregisteredChannel(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	d, st := newTestDispatcher(t, clk)

	event := testEvent()
	event.Channels = []domain.Channel{domain.ChannelTelegram}
	results := d.Dispatch(context.Background(), event, emailPrefs())

	got := results[domain.ChannelTelegram]
	if got.Status != domain.StatusFailed || got.Error != "no worker registered for channel telegram" {
		t.Fatalf("unexpected result %+v", got)
	}
	records, _ := st.ListByEvent(context.Background(), event.ID)
	if len(records) != 0 {
		t.Fatalf("unregistered channel must not create a record")
	}
}

func TestDispatchRunsChannelsInParallel(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	blocking := TransportFunc(func(context.Context, string, Payload) error {
		started.Done()
		<-release
		return nil
	})
	opts := WorkerOptions{Clock: clk}
	emailOpts, smsOpts := opts, opts
	emailOpts.Transport = blocking
	smsOpts.Transport = blocking
	d, _ := newTestDispatcher(t, clk, NewEmailWorker(emailOpts), NewSMSWorker(smsOpts))

	event := testEvent()
	event.Channels = []domain.Channel{domain.ChannelEmail, domain.ChannelSMS}

	done := make(chan map[domain.Channel]domain.DeliveryResult, 1)
	go func() { done <- d.Dispatch(context.Background(), event, emailPrefs()) }()

	waitCh := make(chan struct{})
	go func() {
		started.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("channels did not run concurrently")
	}
	close(release)

	results := <-done
	if !results[domain.ChannelEmail].Success || !results[domain.ChannelSMS].Success {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestSweepRetriesDueNotifications(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	email := &captureTransport{fails: 1}
	worker := NewEmailWorker(WorkerOptions{Transport: email, Clock: clk, Sleep: noSleep})
	d, st := newTestDispatcher(t, clk, worker)

	event := testEvent()
	first := d.Dispatch(context.Background(), event, emailPrefs())
	if first[domain.ChannelEmail].Status != domain.StatusFailed {
		t.Fatalf("first delivery should fail")
	}

	prefs := StaticPreferences{"u1": emailPrefs()}
	results, err := d.Sweep(context.Background(), prefs)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected one delivered retry, got %+v", results)
	}

	records, _ := st.ListByEvent(context.Background(), event.ID)
	if len(records) != 1 {
		t.Fatalf("expected single record, got %d", len(records))
	}
	if records[0].Status != domain.StatusDelivered || records[0].Attempts != 1 || records[0].DeliveredAt == nil {
		t.Fatalf("unexpected record after sweep %+v", records[0])
	}

	again, err := d.Sweep(context.Background(), prefs)
	if err != nil || len(again) != 0 {
		t.Fatalf("delivered notification must not be retried: %v %+v", err, again)
	}
}

func TestSweepHonorsRetryAfterAndTerminal(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	email := &captureTransport{}
	worker := NewEmailWorker(WorkerOptions{Transport: email, Clock: clk, Sleep: noSleep})
	d, st := newTestDispatcher(t, clk, worker)
	ctx := context.Background()

	future := workerNow.Add(time.Hour)
	event := testEvent()
	seed := []domain.Notification{
		{ID: "deferred", EventID: event.ID, UserID: "u1", Channel: domain.ChannelEmail, Status: domain.StatusDeferred, RetryAfter: &future, Event: event, CreatedAt: workerNow},
		{ID: "terminal", EventID: event.ID, UserID: "u1", Channel: domain.ChannelEmail, Status: domain.StatusFailed, Terminal: true, Event: event, CreatedAt: workerNow},
	}
	for _, n := range seed {
		if err := st.Put(ctx, n); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	prefs := StaticPreferences{"u1": emailPrefs()}
	results, err := d.Sweep(ctx, prefs)
	if err != nil || len(results) != 0 {
		t.Fatalf("nothing due yet: %v %+v", err, results)
	}

	clk.Advance(time.Hour)
	results, err = d.Sweep(ctx, prefs)
	if err != nil || len(results) != 1 || !results[0].Success {
		t.Fatalf("deferred record must be retried once due: %v %+v", err, results)
	}
	if email.callCount() != 1 {
		t.Fatalf("terminal record must never reach transport, calls=%d", email.callCount())
	}
}

func TestSweepExhaustsRetries(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	sms := &captureTransport{fails: 100}
	worker := NewSMSWorker(WorkerOptions{Transport: sms, Clock: clk, Sleep: noSleep})
	d, st := newTestDispatcher(t, clk, worker)
	ctx := context.Background()

	event := testEvent()
	event.Channels = []domain.Channel{domain.ChannelSMS}
	d.Dispatch(ctx, event, emailPrefs())

	prefs := StaticPreferences{"u1": emailPrefs()}
	for i := 0; i < 5; i++ {
		if _, err := d.Sweep(ctx, prefs); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	records, _ := st.ListByEvent(ctx, event.ID)
	if len(records) != 1 {
		t.Fatalf("expected one record")
	}
	record := records[0]
	if !record.Terminal || record.Attempts != 2 {
		t.Fatalf("expected terminal after max retries, got %+v", record)
	}
	if record.Error != "Max retries exceeded; consider email fallback" {
		t.Fatalf("unexpected error %q", record.Error)
	}
	// Initial dispatch plus two retries.
	if sms.callCount() != 3 {
		t.Fatalf("transport calls=%d", sms.callCount())
	}
}

func TestSweepReclaimsAbandonedClaim(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	email := &captureTransport{}
	worker := NewEmailWorker(WorkerOptions{Transport: email, Clock: clk, Sleep: noSleep})
	d, st := newTestDispatcher(t, clk, worker)
	ctx := context.Background()

	event := testEvent()
	seed := domain.Notification{ID: "stuck", EventID: event.ID, UserID: "u1", Channel: domain.ChannelEmail, Status: domain.StatusFailed, Event: event, CreatedAt: workerNow}
	if err := st.Put(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// A sweep that claimed the record and then died never writes it back.
	if _, err := st.Claim(ctx, "stuck", workerNow, DefaultClaimLease); err != nil {
		t.Fatalf("claim: %v", err)
	}

	prefs := StaticPreferences{"u1": emailPrefs()}
	results, err := d.Sweep(ctx, prefs)
	if err != nil || len(results) != 0 {
		t.Fatalf("live claim must not be retried: %v %+v", err, results)
	}

	clk.Advance(DefaultClaimLease)
	results, err = d.Sweep(ctx, prefs)
	if err != nil || len(results) != 1 || !results[0].Success {
		t.Fatalf("expired claim must be retried: %v %+v", err, results)
	}
	record, _ := st.Get(ctx, "stuck")
	if record.Status != domain.StatusDelivered || record.Attempts != 1 {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestSweepCancelledAfterSendKeepsAttempt(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	transport := TransportFunc(func(context.Context, string, Payload) error {
		calls++
		cancel()
		return nil
	})
	worker := NewEmailWorker(WorkerOptions{Transport: transport, Clock: clk, Sleep: noSleep})
	d, st := newTestDispatcher(t, clk, worker)

	event := testEvent()
	seed := domain.Notification{ID: "n", EventID: event.ID, UserID: "u1", Channel: domain.ChannelEmail, Status: domain.StatusFailed, Event: event, CreatedAt: workerNow}
	if err := st.Put(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := d.Sweep(ctx, StaticPreferences{"u1": emailPrefs()}); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	record, _ := st.Get(context.Background(), "n")
	if record.Status != domain.StatusDelivered || record.Attempts != 1 || record.DeliveredAt == nil {
		t.Fatalf("delivery made before cancel must be kept, got %+v", record)
	}
	if calls != 1 {
		t.Fatalf("transport calls=%d", calls)
	}
}

func TestSweepCancelledBeforeSendReleasesClaim(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	email := &captureTransport{}
	cancelDuringBackoff := func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	worker := NewEmailWorker(WorkerOptions{Transport: email, Clock: clk, Sleep: cancelDuringBackoff})
	d, st := newTestDispatcher(t, clk, worker)

	event := testEvent()
	seed := domain.Notification{ID: "n", EventID: event.ID, UserID: "u1", Channel: domain.ChannelEmail, Status: domain.StatusFailed, Event: event, CreatedAt: workerNow}
	if err := st.Put(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := d.Sweep(ctx, StaticPreferences{"u1": emailPrefs()}); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	record, _ := st.Get(context.Background(), "n")
	if record.Status != domain.StatusFailed || record.Attempts != 0 || record.RetryAfter != nil {
		t.Fatalf("unattempted retry must release claim unchanged, got %+v", record)
	}
	if email.callCount() != 0 {
		t.Fatalf("transport must not be called")
	}
}

func TestSweepMissingPreferencesIsTerminal(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(workerNow)
	worker := NewEmailWorker(WorkerOptions{Transport: &captureTransport{fails: 1}, Clock: clk, Sleep: noSleep})
	d, st := newTestDispatcher(t, clk, worker)
	ctx := context.Background()

	event := testEvent()
	d.Dispatch(ctx, event, emailPrefs())

	results, err := d.Sweep(ctx, StaticPreferences{})
	if err != nil || len(results) != 1 {
		t.Fatalf("unexpected sweep outcome: %v %+v", err, results)
	}
	if !results[0].Terminal || results[0].Error != "no preferences for user u1" {
		t.Fatalf("unexpected result %+v", results[0])
	}
	records, _ := st.ListByEvent(ctx, event.ID)
	if !records[0].Terminal {
		t.Fatalf("record must be terminal")
	}
}

func TestDispatcherChannels(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, DispatcherOptions{}, DefaultWorkers(WorkerOptions{}, nil, nil, nil)...)
	d.Register(NewTelegramWorker(WorkerOptions{}))
	d.Register(nil)

	got := d.Channels()
	want := []domain.Channel{domain.ChannelEmail, domain.ChannelInApp, domain.ChannelSMS, domain.ChannelTelegram}
	if len(got) != len(want) {
		t.Fatalf("channels=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channels=%v want %v", got, want)
		}
	}
	if d.Store() == nil {
		t.Fatalf("nil store must default to memory store")
	}
}
