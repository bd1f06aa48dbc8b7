package dispatch

import "time"

// Config controls the dispatcher guards and pacing.
//
// All knobs can be re-applied at runtime via Apply().
type Config struct {
	// Cooldown is the minimum gap between two sends to the same identifier.
	Cooldown time.Duration
	// SendDelayBase/SendDelayJitter pace consecutive sends inside a batch:
	// each gap is base plus a random fraction of jitter.
	SendDelayBase   time.Duration
	SendDelayJitter time.Duration
	// RatePerSec caps transport calls globally.
	RatePerSec int

	// MessageTemplate is the preset body used when a batch carries no
	// override; "{name}" is replaced by the recipient's display name, or by
	// FallbackName when the contact row had none.
	MessageTemplate string
	FallbackName    string

	// AttachmentPath, when set, is sent best-effort before each text.
	AttachmentPath string
}

const (
	DefaultCooldown        = 2 * time.Minute
	DefaultSendDelayBase   = 1500 * time.Millisecond
	DefaultSendDelayJitter = 1500 * time.Millisecond
	defaultRatePerSec      = 1
	defaultFallbackName    = "there"
)

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.SendDelayBase <= 0 {
		c.SendDelayBase = DefaultSendDelayBase
	}
	if c.SendDelayJitter < 0 {
		c.SendDelayJitter = DefaultSendDelayJitter
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.FallbackName == "" {
		c.FallbackName = defaultFallbackName
	}
	return c
}

// Report summarizes one batch run. Guard skips (already sent, in-flight,
// cooling down) count as success: there was nothing left to do.
type Report struct {
	Success int
	Failed  int
}

func (r Report) Total() int { return r.Success + r.Failed }
