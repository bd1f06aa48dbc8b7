package core

import (
	"fmt"
	"strings"

	"blastbot/internal/config"
	"blastbot/internal/dispatch"
	"blastbot/internal/scheduler"
	"blastbot/internal/store"
)

// The config file carries durations as strings; these helpers map each section
// onto the typed service configs and fail on the first bad field.

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	cooldown, err := config.ParseDurationField("dispatch.cooldown", cfg.Dispatch.Cooldown)
	if err != nil {
		return dispatch.Config{}, err
	}
	base, err := config.ParseDurationField("dispatch.send_delay_base", cfg.Dispatch.SendDelayBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	jitter, err := config.ParseDurationField("dispatch.send_delay_jitter", cfg.Dispatch.SendDelayJitter)
	if err != nil {
		return dispatch.Config{}, err
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	return dispatch.Config{
		Cooldown:        cooldown,
		SendDelayBase:   base,
		SendDelayJitter: jitter,
		RatePerSec:      cfg.Dispatch.RatePerSec,
		MessageTemplate: cfg.Dispatch.MessageTemplate,
		FallbackName:    cfg.Dispatch.FallbackName,
		AttachmentPath:  strings.TrimSpace(cfg.Dispatch.AttachmentPath),
	}, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, scheduler.DefaultPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		PollInterval: poll,
		Timezone:     cfg.Scheduler.Timezone,
	}, nil
}

func storeConfig(cfg *config.Config) (store.Config, error) {
	sc := store.Config{Driver: "file", Path: "./blastbot_store"}
	if cfg.Storage == nil {
		return sc, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	sc = store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		LegacyPath:  cfg.Storage.LegacyPath,
		BusyTimeout: busy,
	}
	if strings.TrimSpace(sc.Path) == "" {
		sc.Path = "./blastbot_store"
	}
	return sc, nil
}
