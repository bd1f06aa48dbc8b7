package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"phone": {"country_prefix": "91"},
		"storage": {"driver": "sqlite", "path": "./state.db", "busy_timeout": "5s"},
		"contacts": {"path": "./contacts.csv", "phone_column": "mobile"},
		"dispatch": {"cooldown": "2m", "rate_per_sec": 1, "message_template": "hi {name}"},
		"scheduler": {"enabled": true, "poll_interval": "10s", "timezone": "Asia/Kolkata"}
	}`)

	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging mis-parsed: %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage mis-parsed: %+v", cfg.Storage)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "Asia/Kolkata" {
		t.Fatalf("scheduler mis-parsed: %+v", cfg.Scheduler)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
logging:
  level: info
  console: true
  file:
    enabled: true
    path: ./blastbot.log
phone:
  country_prefix: "91"
contacts:
  path: ./contacts.csv
dispatch:
  cooldown: 90s
scheduler:
  enabled: false
`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.File.Enabled {
		t.Fatalf("yaml logging mis-parsed: %+v", cfg.Logging)
	}
	if cfg.Dispatch.Cooldown != "90s" {
		t.Fatalf("yaml dispatch mis-parsed: %+v", cfg.Dispatch)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"logging": {"level": "info"}, "no_such_section": {}}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("unknown top-level key should be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"scheduler": {"enabled": true}}{"extra": 1}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("trailing JSON should be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "  90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage should fail")
	}
	if d, err := ParseDurationOrDefault("x", "", 10*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}

func TestSubscribePublishLatestWins(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{Scheduler: SchedulerConfig{Enabled: true}}
	b := &Config{Scheduler: SchedulerConfig{Enabled: false}}
	m.publish(a)
	m.publish(b) // buffer full: oldest dropped, latest delivered

	got := <-ch
	if got != b {
		t.Fatalf("expected latest config, got %+v", got)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Scheduler: SchedulerConfig{Enabled: false, PollInterval: "10s"}}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Scheduler: SchedulerConfig{Enabled: true, PollInterval: "30s"},
	}
	changed, _ := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"logging": true, "scheduler": true}
	if len(changed) != len(want) {
		t.Fatalf("changed sections: %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q in %v", c, changed)
		}
	}
}
