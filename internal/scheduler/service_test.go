package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"blastbot/internal/dispatch"
	"blastbot/internal/model"
	"blastbot/internal/phone"
	"blastbot/internal/store"
	"blastbot/internal/transport"
	"blastbot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeAdapter) SendText(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, id)
	return nil
}
func (f *fakeAdapter) SendMedia(ctx context.Context, id, path string) error { return nil }

func (f *fakeAdapter) Archive(ctx context.Context, id string) error { return nil }

func (f *fakeAdapter) Ready() bool { return true }

func (f *fakeAdapter) Events() <-chan transport.Event { return nil }

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type staticContacts struct {
	recs []model.Recipient
	err  error
}

func (s *staticContacts) Fetch(ctx context.Context) ([]model.Recipient, error) {
	return s.recs, s.err
}

type fixture struct {
	svc     *Service
	adapter *fakeAdapter
	store   store.Store
}

func newFixture(t *testing.T, contacts ContactSource) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	norm := phone.NewNormalizer("91")
	ad := &fakeAdapter{}
	disp := dispatch.New(dispatch.Config{
		Cooldown:        time.Nanosecond,
		SendDelayBase:   time.Millisecond,
		SendDelayJitter: 0,
		RatePerSec:      1000,
	}, norm, st, ad, logx.Nop())

	q := dispatch.NewQueue(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		q.Stop(stopCtx)
		stopCancel()
		cancel()
	})

	svc := New(Config{Enabled: true, PollInterval: time.Second}, st, q, disp, ad, contacts, norm, logx.Nop())
	return &fixture{svc: svc, adapter: ad, store: st}
}

func (f *fixture) setNow(at time.Time) { f.svc.now = func() time.Time { return at } }

func TestOneTimeSchedulePastDueFiresOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, &staticContacts{})

	when := time.Now().UTC().Add(-time.Second)
	sch, err := f.svc.CreateOnce(ctx, []model.Recipient{{RawPhone: "9876543210", DisplayName: "Acme"}}, "launch", when)
	if err != nil {
		t.Fatalf("CreateOnce: %v", err)
	}

	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 1 || got[0] != "919876543210" {
		t.Fatalf("expected one send, got %v", got)
	}

	list := f.svc.List()
	if len(list) != 1 || !list[0].Executed || list[0].ExecutedAt == nil {
		t.Fatalf("schedule not marked executed: %+v", list)
	}

	// Later ticks never re-execute a terminal schedule.
	f.svc.tick(ctx)
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 1 {
		t.Fatalf("one-time schedule re-executed: %v", got)
	}

	// The executed marker survived persistence.
	persisted, err := f.store.LoadSchedules(ctx)
	if err != nil {
		t.Fatalf("LoadSchedules: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != sch.ID || !persisted[0].Executed {
		t.Fatalf("executed flag not persisted: %+v", persisted)
	}
}

func TestOneTimeScheduleNotDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, &staticContacts{})

	if _, err := f.svc.CreateOnce(ctx, []model.Recipient{{RawPhone: "9876543210"}}, "later", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("CreateOnce: %v", err)
	}
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 0 {
		t.Fatalf("future schedule fired early: %v", got)
	}
}

func TestDailyScheduleCapAndMinuteKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	contacts := &staticContacts{recs: []model.Recipient{
		{RawPhone: "9876543210", DisplayName: "one"},
		{RawPhone: "9876543211", DisplayName: "two"},
		{RawPhone: "9876543212", DisplayName: "three"},
		{RawPhone: "9876543213", DisplayName: "four"},
		{RawPhone: "9876543214", DisplayName: "five"},
	}}
	f := newFixture(t, contacts)

	if _, err := f.svc.CreateDaily(ctx, "09:00", "morning", 2); err != nil {
		t.Fatalf("CreateDaily: %v", err)
	}

	trigger := time.Date(2026, 8, 28, 9, 0, 10, 0, time.Local)
	f.setNow(trigger)
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 2 {
		t.Fatalf("dailyLimit not enforced: %v", got)
	}

	// Re-ticks inside the same minute are absorbed by the per-minute key.
	f.setNow(trigger.Add(20 * time.Second))
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 2 {
		t.Fatalf("same-minute re-tick fired again: %v", got)
	}

	// Other minutes never fire.
	f.setNow(trigger.Add(5 * time.Minute))
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 2 {
		t.Fatalf("fired outside trigger minute: %v", got)
	}

	// Next day at 09:00 it fires again, skipping the recipients already sent.
	f.setNow(trigger.Add(24 * time.Hour))
	f.svc.tick(ctx)
	got := f.adapter.sent()
	if len(got) != 4 {
		t.Fatalf("expected 2 more sends next day, got %v", got)
	}
	if got[2] != "919876543212" || got[3] != "919876543213" {
		t.Fatalf("already-sent recipients not skipped: %v", got)
	}

	// Running flag cleared and persisted after the run.
	persisted, err := f.store.LoadSchedules(ctx)
	if err != nil {
		t.Fatalf("LoadSchedules: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Running {
		t.Fatalf("running flag stuck: %+v", persisted)
	}
	if persisted[0].LastFiredKey == "" {
		t.Fatal("lastFiredKey not persisted")
	}
}

func TestDailyScheduleRunningGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	contacts := &staticContacts{recs: []model.Recipient{{RawPhone: "9876543210"}}}
	f := newFixture(t, contacts)

	if _, err := f.svc.CreateDaily(ctx, "09:00", "morning", 1); err != nil {
		t.Fatalf("CreateDaily: %v", err)
	}
	f.svc.mu.Lock()
	f.svc.schedules[0].Running = true
	f.svc.mu.Unlock()

	f.setNow(time.Date(2026, 8, 28, 9, 0, 10, 0, time.Local))
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 0 {
		t.Fatalf("running guard ignored: %v", got)
	}
}

func TestDailyScheduleFetchFailureClearsRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	contacts := &staticContacts{err: context.DeadlineExceeded}
	f := newFixture(t, contacts)

	if _, err := f.svc.CreateDaily(ctx, "09:00", "morning", 1); err != nil {
		t.Fatalf("CreateDaily: %v", err)
	}
	f.setNow(time.Date(2026, 8, 28, 9, 0, 10, 0, time.Local))
	f.svc.tick(ctx)

	list := f.svc.List()
	if len(list) != 1 || list[0].Running {
		t.Fatalf("fetch failure left schedule locked: %+v", list)
	}
	if list[0].LastFiredKey == "" {
		t.Fatal("lastFiredKey should be stamped even on failure")
	}
}

func TestCronScheduleFiresOnMatchingMinute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	contacts := &staticContacts{recs: []model.Recipient{{RawPhone: "9876543210"}}}
	f := newFixture(t, contacts)

	if _, err := f.svc.CreateCron(ctx, "*/5 * * * *", "every five", 1); err != nil {
		t.Fatalf("CreateCron: %v", err)
	}

	f.setNow(time.Date(2026, 8, 28, 10, 3, 0, 0, time.Local))
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 0 {
		t.Fatalf("cron fired off-spec: %v", got)
	}

	f.setNow(time.Date(2026, 8, 28, 10, 5, 30, 0, time.Local))
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 1 {
		t.Fatalf("cron did not fire on matching minute: %v", got)
	}

	// Same minute: absorbed.
	f.setNow(time.Date(2026, 8, 28, 10, 5, 45, 0, time.Local))
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 1 {
		t.Fatalf("cron double-fired in one minute: %v", got)
	}
}

func TestHistoryResetReenablesDailySchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	contacts := &staticContacts{recs: []model.Recipient{
		{RawPhone: "9876543210"},
		{RawPhone: "9876543211"},
	}}
	f := newFixture(t, contacts)

	if _, err := f.svc.CreateDaily(ctx, "09:00", "morning", 2); err != nil {
		t.Fatalf("CreateDaily: %v", err)
	}
	day1 := time.Date(2026, 8, 28, 9, 0, 10, 0, time.Local)
	f.setNow(day1)
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 2 {
		t.Fatalf("initial fire: %v", got)
	}

	// Day 2 without reset: everyone is in history, nothing to send.
	f.setNow(day1.Add(24 * time.Hour))
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 2 {
		t.Fatalf("sent to recipients already in history: %v", got)
	}

	// Reset, then day 3: the same recipients are eligible again.
	if err := f.store.ResetHistory(ctx); err != nil {
		t.Fatalf("ResetHistory: %v", err)
	}
	f.setNow(day1.Add(48 * time.Hour))
	f.svc.tick(ctx)
	if got := f.adapter.sent(); len(got) != 4 {
		t.Fatalf("reset did not re-enable sending: %v", got)
	}
}

func TestTriggerNowFiresOneTimeBeforeDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, &staticContacts{})

	sch, err := f.svc.CreateOnce(ctx, []model.Recipient{{RawPhone: "9876543210"}}, "go now", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateOnce: %v", err)
	}

	if err := f.svc.TriggerNow(ctx, sch.ID); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	if got := f.adapter.sent(); len(got) != 1 || got[0] != "919876543210" {
		t.Fatalf("expected one send, got %v", got)
	}
	list := f.svc.List()
	if len(list) != 1 || !list[0].Executed {
		t.Fatalf("schedule not marked executed: %+v", list)
	}

	// A second trigger on a terminal schedule is refused.
	if err := f.svc.TriggerNow(ctx, sch.ID); err == nil {
		t.Fatal("TriggerNow re-ran an executed schedule")
	}
	if got := f.adapter.sent(); len(got) != 1 {
		t.Fatalf("executed schedule sent again: %v", got)
	}
}

func TestTriggerNowDailyOutsideTriggerMinute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	contacts := &staticContacts{recs: []model.Recipient{
		{RawPhone: "9876543210"},
		{RawPhone: "9876543211"},
		{RawPhone: "9876543212"},
	}}
	f := newFixture(t, contacts)

	sch, err := f.svc.CreateDaily(ctx, "09:00", "morning", 2)
	if err != nil {
		t.Fatalf("CreateDaily: %v", err)
	}
	f.setNow(time.Date(2026, 8, 28, 14, 30, 0, 0, time.Local))

	if err := f.svc.TriggerNow(ctx, sch.ID); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	if got := f.adapter.sent(); len(got) != 2 {
		t.Fatalf("dailyLimit not applied on manual trigger: %v", got)
	}

	list := f.svc.List()
	if len(list) != 1 || list[0].Running {
		t.Fatalf("running flag stuck after manual trigger: %+v", list)
	}
	if list[0].LastFiredKey != "2026-08-28 09:00" {
		t.Fatalf("fire key = %q, want today's trigger slot", list[0].LastFiredKey)
	}
}

func TestTriggerNowRespectsRunningGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	contacts := &staticContacts{recs: []model.Recipient{{RawPhone: "9876543210"}}}
	f := newFixture(t, contacts)

	sch, err := f.svc.CreateDaily(ctx, "09:00", "morning", 1)
	if err != nil {
		t.Fatalf("CreateDaily: %v", err)
	}
	f.svc.mu.Lock()
	f.svc.schedules[0].Running = true
	f.svc.mu.Unlock()

	if err := f.svc.TriggerNow(ctx, sch.ID); err == nil {
		t.Fatal("TriggerNow ignored an in-flight run")
	}
	if got := f.adapter.sent(); len(got) != 0 {
		t.Fatalf("guarded schedule fired: %v", got)
	}

	if err := f.svc.TriggerNow(ctx, "nope"); err == nil {
		t.Fatal("TriggerNow accepted an unknown id")
	}
}

func TestStartNormalizesPersistedTriggerTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	contacts := &staticContacts{recs: []model.Recipient{{RawPhone: "9876543210"}}}
	f := newFixture(t, contacts)

	// A hand-edited schedule document may carry "9:00" instead of "09:00".
	hand := []model.Schedule{{ID: "hand", Message: "morning", HHMM: "9:00", DailyLimit: 1}}
	if err := f.store.SaveSchedules(ctx, hand); err != nil {
		t.Fatalf("SaveSchedules: %v", err)
	}
	f.setNow(time.Date(2026, 8, 28, 9, 0, 10, 0, time.Local))

	runCtx, cancel := context.WithCancel(context.Background())
	f.svc.Start(runCtx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		f.svc.Stop(stopCtx)
		stopCancel()
		cancel()
	})

	list := f.svc.List()
	if len(list) != 1 || list[0].HHMM != "09:00" {
		t.Fatalf("trigger time not normalized on load: %+v", list)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(f.adapter.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if got := f.adapter.sent(); len(got) != 1 {
		t.Fatalf("hand-edited trigger time never fired: %v", got)
	}
}

func TestCancelSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, &staticContacts{})

	sch, err := f.svc.CreateDaily(ctx, "09:00", "x", 1)
	if err != nil {
		t.Fatalf("CreateDaily: %v", err)
	}
	if err := f.svc.Cancel(ctx, sch.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := f.svc.List(); len(got) != 0 {
		t.Fatalf("schedule still listed after cancel: %+v", got)
	}
	if err := f.svc.Cancel(ctx, sch.ID); err == nil {
		t.Fatal("cancelling twice should fail")
	}
}

func TestTransportEventsGateScheduling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &staticContacts{})
	s := f.svc

	s.ready.Store(true)
	s.handleEvent(transport.Event{Type: transport.EventDisconnected})
	if s.ready.Load() {
		t.Fatal("disconnect did not suspend scheduling")
	}
	s.handleEvent(transport.Event{Type: transport.EventReady})
	if !s.ready.Load() {
		t.Fatal("ready event did not resume scheduling")
	}
	s.handleEvent(transport.Event{Type: transport.EventAuthFailure})
	if s.ready.Load() {
		t.Fatal("auth failure did not suspend scheduling")
	}
}
