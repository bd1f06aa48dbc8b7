// Package dispatch sends campaign messages to recipients, one at a time,
// behind history, in-flight and cooldown guards.
package dispatch

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"blastbot/internal/model"
	"blastbot/internal/phone"
	"blastbot/internal/store"
	"blastbot/internal/transport"
	"blastbot/pkg/logx"
)

// Dispatcher performs individual sends. All batch work funnels through
// SendMany, which is what callers submit to the run Queue; SendOne is never
// queued directly, so serialization stays centralized at the batch level.
type Dispatcher struct {
	log  logx.Logger
	norm phone.Normalizer
	st   store.Store

	mu      sync.Mutex
	cfg     Config
	adapter transport.Adapter
	limiter *rate.Limiter

	// flightMu guards the in-flight set and the cooldown table. Both are
	// process-local; losing them on restart only widens the cooldown window,
	// never the dedup guarantee (that lives in the store).
	flightMu sync.Mutex
	inFlight map[string]struct{}
	lastSend map[string]time.Time
}

func New(cfg Config, norm phone.Normalizer, st store.Store, adapter transport.Adapter, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		log:      log,
		norm:     norm,
		st:       st,
		cfg:      cfg,
		adapter:  adapter,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		inFlight: map[string]struct{}{},
		lastSend: map[string]time.Time{},
	}
}

// Apply swaps pacing and template knobs at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, transport.Adapter, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.adapter, d.limiter
}

// SendOne sends one message to one recipient.
//
// Guard skips return true without a transport call: an identifier that is
// already in history, currently in flight, or inside its cooldown window is
// "nothing to do", not a failure. Only an unusable phone number or a transport
// rejection count as failure.
func (d *Dispatcher) SendOne(ctx context.Context, r model.Recipient, override string) bool {
	cfg, adapter, lim := d.snapshot()

	canonical, ok := d.norm.Normalize(r.RawPhone)
	if !ok {
		d.log.Warn("unusable phone number", logx.String("raw", r.RawPhone), logx.String("name", r.DisplayName))
		return false
	}
	log := d.log.With(logx.String("to", canonical))

	sent, err := d.st.HasSent(ctx, canonical)
	if err != nil {
		// Without a readable history we cannot rule out a duplicate.
		log.Error("history lookup failed; refusing to send", logx.Err(err))
		return false
	}
	if sent {
		log.Debug("already sent; skipping")
		return true
	}

	d.flightMu.Lock()
	if _, busy := d.inFlight[canonical]; busy {
		d.flightMu.Unlock()
		log.Debug("send already in flight; skipping")
		return true
	}
	if last, ok := d.lastSend[canonical]; ok {
		if since := time.Since(last); since < cfg.Cooldown {
			d.flightMu.Unlock()
			log.Debug("cooling down; skipping", logx.Duration("since_last", since), logx.Duration("cooldown", cfg.Cooldown))
			return true
		}
	}
	d.inFlight[canonical] = struct{}{}
	d.flightMu.Unlock()
	defer func() {
		d.flightMu.Lock()
		delete(d.inFlight, canonical)
		d.flightMu.Unlock()
	}()

	// Best-effort attachment; a failure here never blocks the text send.
	if cfg.AttachmentPath != "" {
		if err := adapter.SendMedia(ctx, canonical, cfg.AttachmentPath); err != nil {
			log.Warn("attachment send failed", logx.String("path", cfg.AttachmentPath), logx.Err(err))
		}
	}

	body := override
	if strings.TrimSpace(body) == "" {
		body = renderPreset(cfg, r.DisplayName)
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			log.Warn("send aborted", logx.Err(err))
			return false
		}
	}
	if err := adapter.SendText(ctx, canonical, body); err != nil {
		log.Warn("send failed", logx.Err(err))
		return false
	}

	// Persist the dedup record before reporting success; the window between
	// transport confirm and this write is the accepted duplicate risk.
	if err := d.st.RecordSent(ctx, canonical); err != nil {
		log.Error("history persist failed", logx.Err(err))
	}
	d.flightMu.Lock()
	d.lastSend[canonical] = time.Now()
	d.flightMu.Unlock()

	if err := adapter.Archive(ctx, canonical); err != nil {
		log.Debug("archive failed", logx.Err(err))
	}

	log.Info("sent", logx.Int("len", len(body)))
	return true
}

// SendMany processes a batch: de-duplicates by canonical identifier (first
// occurrence wins), then sends sequentially with a randomized inter-send
// delay. Recipients that fail to normalize stay in the batch so they are
// counted as failures by SendOne.
func (d *Dispatcher) SendMany(ctx context.Context, recipients []model.Recipient, message string) Report {
	cfg, _, _ := d.snapshot()

	seen := map[string]struct{}{}
	unique := make([]model.Recipient, 0, len(recipients))
	for _, r := range recipients {
		canonical, ok := d.norm.Normalize(r.RawPhone)
		if !ok {
			unique = append(unique, r)
			continue
		}
		if _, dup := seen[canonical]; dup {
			d.log.Debug("duplicate recipient in batch; dropped", logx.String("to", canonical))
			continue
		}
		seen[canonical] = struct{}{}
		unique = append(unique, r)
	}

	var rep Report
	for i, r := range unique {
		if i > 0 {
			if !d.interSendDelay(ctx, cfg) {
				// Context gone: everything left in the batch is a failure.
				rep.Failed += len(unique) - i
				d.log.Warn("batch aborted", logx.Int("remaining", len(unique)-i), logx.Err(ctx.Err()))
				break
			}
		}
		if d.SendOne(ctx, r, message) {
			rep.Success++
		} else {
			rep.Failed++
		}
	}
	return rep
}

func (d *Dispatcher) interSendDelay(ctx context.Context, cfg Config) bool {
	delay := cfg.SendDelayBase
	if cfg.SendDelayJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(cfg.SendDelayJitter) + 1))
	}
	tmr := time.NewTimer(delay)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}

func renderPreset(cfg Config, displayName string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = cfg.FallbackName
	}
	if strings.TrimSpace(cfg.MessageTemplate) == "" {
		return "Hello " + name + "!"
	}
	return strings.ReplaceAll(cfg.MessageTemplate, "{name}", name)
}
