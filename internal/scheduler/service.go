// Package scheduler drives one-time and recurring send campaigns.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"blastbot/internal/dispatch"
	"blastbot/internal/model"
	"blastbot/internal/phone"
	"blastbot/internal/store"
	"blastbot/internal/transport"
	"blastbot/pkg/logx"
)

func New(cfg Config, st store.Store, queue *dispatch.Queue, disp *dispatch.Dispatcher, adapter transport.Adapter, contacts ContactSource, norm phone.Normalizer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		st:       st,
		queue:    queue,
		disp:     disp,
		adapter:  adapter,
		contacts: contacts,
		norm:     norm,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:      cfg,
		now:      time.Now,
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Apply swaps the poll/timezone knobs at runtime. A changed interval takes
// effect on the next loop iteration.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.loc = s.loadLocation(cfg.Timezone)
	s.mu.Unlock()
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.cfg.PollInterval
}

func (s *Service) enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start loads the persisted schedules and begins ticking.
func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete first.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop and try again
		case <-ctx.Done():
			return
		}
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	stopCh := s.stopCh
	s.mu.Unlock()

	list, err := s.st.LoadSchedules(ctx)
	if err != nil {
		s.log.Error("schedule load failed; starting empty", logx.Err(err))
	}
	s.canonicalizeLoaded(list)
	s.mu.Lock()
	s.schedules = list
	s.mu.Unlock()

	s.ready.Store(s.adapter.Ready())

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler loop", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.loop(runCtx, stopCh)
	}()
	s.log.Info("scheduler started", logx.Int("schedules", len(list)), logx.Duration("poll", s.pollInterval()), logx.String("tz", s.loc.String()))
}

// canonicalizeLoaded rewrites each daily trigger time into the zero-padded
// HH:MM form the minute match compares against. The store file can be edited
// by hand, so "9:00" has to come back as "09:00" or the schedule never fires.
func (s *Service) canonicalizeLoaded(list []model.Schedule) {
	for i := range list {
		if list[i].HHMM == "" {
			continue
		}
		h, m, err := parseHHMM(list[i].HHMM)
		if err != nil {
			s.log.Warn("schedule has unparsable trigger time", logx.String("schedule", list[i].ID), logx.String("hhmm", list[i].HHMM), logx.Err(err))
			continue
		}
		list[i].HHMM = fmt.Sprintf("%02d:%02d", h, m)
	}
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.loopWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	events := s.adapter.Events()
	cur := s.pollInterval()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		case <-ticker.C:
			if next := s.pollInterval(); next != cur {
				cur = next
				ticker.Reset(cur)
			}
			if !s.enabled() {
				continue
			}
			if !s.ready.Load() {
				s.log.Debug("transport not ready; tick suspended")
				continue
			}
			s.tick(ctx)
		}
	}
}

func (s *Service) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventReady:
		s.ready.Store(true)
		s.log.Info("transport ready; scheduling resumed")
	case transport.EventAuthFailure:
		s.ready.Store(false)
		s.log.Error("transport auth failure; scheduling suspended", logx.String("reason", ev.Reason))
	case transport.EventDisconnected:
		s.ready.Store(false)
		s.log.Warn("transport disconnected; scheduling suspended", logx.String("reason", ev.Reason))
	}
}
