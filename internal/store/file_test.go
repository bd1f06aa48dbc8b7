package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"blastbot/internal/model"
	"blastbot/pkg/logx"
)

func openTempFileStore(t *testing.T) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st, path
}

func TestHistoryRecordAndSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if ok, _ := st.HasSent(ctx, "919876543210"); ok {
		t.Fatal("fresh store should not report sent")
	}
	if err := st.RecordSent(ctx, "919876543210"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	if ok, _ := st.HasSent(ctx, "919876543210"); !ok {
		t.Fatal("HasSent false after RecordSent")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the record must have been persisted synchronously.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if ok, _ := st2.HasSent(ctx, "919876543210"); !ok {
		t.Fatal("HasSent false after reopen")
	}
}

func TestHistoryRepeatSendsIncrement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, path := openTempFileStore(t)

	for i := 0; i < 3; i++ {
		if err := st.RecordSent(ctx, "15551234567"); err != nil {
			t.Fatalf("RecordSent #%d: %v", i+1, err)
		}
	}

	b, err := os.ReadFile(filepath.Join(filepath.Dir(path), "state.history.json"))
	if err != nil {
		t.Fatalf("read history doc: %v", err)
	}
	var m map[string]model.HistoryRecord
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode history doc: %v", err)
	}
	rec, ok := m["15551234567"]
	if !ok {
		t.Fatal("record missing from document")
	}
	if rec.SendCount != 3 {
		t.Fatalf("SendCount = %d, want 3", rec.SendCount)
	}
	if rec.LastSentAt.Before(rec.FirstSentAt) {
		t.Fatalf("lastSentAt %v before firstSentAt %v", rec.LastSentAt, rec.FirstSentAt)
	}
}

func TestHistoryReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openTempFileStore(t)

	if err := st.RecordSent(ctx, "919876543210"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	if err := st.ResetHistory(ctx); err != nil {
		t.Fatalf("ResetHistory: %v", err)
	}
	if ok, _ := st.HasSent(ctx, "919876543210"); ok {
		t.Fatal("HasSent true after reset")
	}
}

func TestSentTodayUsesLocalCalendarDate(t *testing.T) {
	t.Parallel()
	now := time.Now()

	// The file driver stores local timestamps and sqlite stores UTC; both
	// renderings of the same instant must land on the same local date.
	if !sameLocalDay(now.UTC(), now) {
		t.Fatal("UTC rendering of the current instant not counted as today")
	}
	if !sameLocalDay(now.Local(), now) {
		t.Fatal("local rendering of the current instant not counted as today")
	}
	if sameLocalDay(now.AddDate(0, 0, -1), now) {
		t.Fatal("yesterday counted as today")
	}

	// Half past local midnight is the case where a fixed UTC day boundary
	// and the local calendar date disagree.
	midnight := time.Date(2026, 3, 14, 0, 30, 0, 0, time.Local)
	if !sameLocalDay(midnight.UTC(), midnight) {
		t.Fatal("zone conversion moved the timestamp off its local date")
	}
	if sameLocalDay(midnight.Add(-time.Hour), midnight) {
		t.Fatal("instant before local midnight counted as the same day")
	}
}

func TestLegacyDocumentConsultedReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy.json")
	if err := os.WriteFile(legacy, []byte(`[{"jid":"919876543210@c.us"},{"jid":"15551234567@s.whatsapp.net"}]`), 0o644); err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	before, err := os.Stat(legacy)
	if err != nil {
		t.Fatalf("stat legacy: %v", err)
	}

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json"), LegacyPath: legacy}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, id := range []string{"919876543210", "15551234567"} {
		if ok, _ := st.HasSent(ctx, id); !ok {
			t.Fatalf("legacy entry %s not reported as sent", id)
		}
	}
	if ok, _ := st.HasSent(ctx, "919999999999"); ok {
		t.Fatal("unknown identifier reported as sent")
	}

	if err := st.RecordSent(ctx, "919000000000"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	after, err := os.Stat(legacy)
	if err != nil {
		t.Fatalf("stat legacy: %v", err)
	}
	if after.ModTime() != before.ModTime() || after.Size() != before.Size() {
		t.Fatal("legacy document was modified")
	}
}

func TestSchedulesRoundTripPreservesOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openTempFileStore(t)

	when := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	in := []model.Schedule{
		{ID: "b", Message: "hello", HHMM: "09:00", DailyLimit: 5},
		{ID: "a", Message: "launch", WhenUTC: &when, Numbers: []model.Recipient{{RawPhone: "9876543210"}}},
		{ID: "c", Message: "cron", CronSpec: "0 9 * * 1", DailyLimit: 2},
	}
	if err := st.SaveSchedules(ctx, in); err != nil {
		t.Fatalf("SaveSchedules: %v", err)
	}
	out, err := st.LoadSchedules(ctx)
	if err != nil {
		t.Fatalf("LoadSchedules: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 schedules, got %d", len(out))
	}
	for i, id := range []string{"b", "a", "c"} {
		if out[i].ID != id {
			t.Fatalf("order not preserved: position %d = %s, want %s", i, out[i].ID, id)
		}
	}
	if out[1].Kind() != model.KindOneTime || out[0].Kind() != model.KindDaily || out[2].Kind() != model.KindCron {
		t.Fatalf("schedule kinds lost in round trip: %v %v %v", out[0].Kind(), out[1].Kind(), out[2].Kind())
	}
	if !out[1].WhenUTC.Equal(when) {
		t.Fatalf("whenUTC = %v, want %v", out[1].WhenUTC, when)
	}
}
