package scheduler

import (
	"context"
	"time"

	"blastbot/internal/dispatch"
	"blastbot/internal/model"
	"blastbot/pkg/logx"
)

const minuteKeyLayout = "2006-01-02 15:04"

// tick runs one poll pass over the schedule list, in persisted order.
func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, len(s.schedules))
	for i := range s.schedules {
		ids[i] = s.schedules[i].ID
	}
	now := s.now().In(s.loc)
	s.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.processOne(ctx, id, now)
	}
}

func (s *Service) processOne(ctx context.Context, id string, now time.Time) {
	sch, ok := s.get(id)
	if !ok {
		// cancelled mid-tick
		return
	}
	switch sch.Kind() {
	case model.KindOneTime:
		s.processOneTime(ctx, sch, now)
	case model.KindDaily:
		s.processDaily(ctx, sch, now)
	case model.KindCron:
		s.processCron(ctx, sch, now)
	default:
		s.log.Warn("schedule has no recognizable variant; ignoring", logx.String("schedule", id))
	}
}

// processOneTime fires a pending one-time schedule whose due moment has
// passed. A due time missed while the process was down still fires on the
// first tick after restart; only the executed flag is terminal.
func (s *Service) processOneTime(ctx context.Context, sch model.Schedule, now time.Time) {
	if sch.Executed || sch.WhenUTC == nil || now.Before(*sch.WhenUTC) {
		return
	}
	s.fireOneTime(ctx, sch)
}

func (s *Service) fireOneTime(ctx context.Context, sch model.Schedule) {
	log := s.log.With(logx.String("schedule", sch.ID))
	log.Info("one-time schedule firing", logx.Int("recipients", len(sch.Numbers)))

	rep, ran := s.runBatch(ctx, "once:"+sch.ID, sch.Numbers, sch.Message)
	if !ran {
		// Batch never executed; leave the schedule pending so the next tick
		// retries it.
		log.Warn("batch did not run; schedule stays pending")
		return
	}

	executedAt := s.now().UTC()
	s.mutateAndPersist(ctx, sch.ID, func(x *model.Schedule) {
		x.Executed = true
		x.ExecutedAt = &executedAt
	})
	log.Info("one-time schedule executed", logx.Int("success", rep.Success), logx.Int("failed", rep.Failed))
}

// processDaily fires a daily-capped schedule when the current minute matches
// its HH:MM. The per-minute key absorbs repeated ticks inside the trigger
// minute; a minute missed during downtime is skipped, not caught up.
func (s *Service) processDaily(ctx context.Context, sch model.Schedule, now time.Time) {
	key := now.Format("2006-01-02") + " " + sch.HHMM
	if sch.LastFiredKey == key {
		return
	}
	if now.Format("15:04") != sch.HHMM {
		return
	}
	s.fireRecurring(ctx, sch, key)
}

// processCron is the cron-spec sibling of processDaily: due when the spec
// matches the current minute, with the same key and running-flag guards.
func (s *Service) processCron(ctx context.Context, sch model.Schedule, now time.Time) {
	cs, err := s.parser.Parse(sch.CronSpec)
	if err != nil {
		s.log.Error("bad cron spec; schedule ignored", logx.String("schedule", sch.ID), logx.String("spec", sch.CronSpec), logx.Err(err))
		return
	}
	minuteStart := now.Truncate(time.Minute)
	if !cs.Next(minuteStart.Add(-time.Second)).Equal(minuteStart) {
		return
	}
	key := minuteStart.Format(minuteKeyLayout)
	if sch.LastFiredKey == key {
		return
	}
	s.fireRecurring(ctx, sch, key)
}

func (s *Service) fireRecurring(ctx context.Context, sch model.Schedule, key string) {
	log := s.log.With(logx.String("schedule", sch.ID), logx.String("key", key))

	if sch.Running {
		log.Warn("previous run still in flight; skipping fire")
		return
	}

	// Lock and stamp BEFORE any asynchronous work, so a second tick landing in
	// the same minute sees the guard already set.
	s.mutateAndPersist(ctx, sch.ID, func(x *model.Schedule) {
		x.Running = true
		x.LastFiredKey = key
	})
	clearRunning := func() {
		s.mutateAndPersist(ctx, sch.ID, func(x *model.Schedule) { x.Running = false })
	}

	cands, err := s.candidates(ctx, sch)
	if err != nil {
		log.Error("candidate fetch failed", logx.Err(err))
		clearRunning()
		return
	}

	eligible := s.filterEligible(ctx, cands)
	limit := sch.DailyLimit
	if limit < 1 {
		limit = 1
	}
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	if len(eligible) == 0 {
		log.Info("no eligible recipients", logx.Int("candidates", len(cands)))
		clearRunning()
		return
	}

	log.Info("recurring schedule firing", logx.Int("candidates", len(cands)), logx.Int("batch", len(eligible)))
	rep, ran := s.runBatch(ctx, "recur:"+sch.ID, eligible, sch.Message)
	clearRunning()
	if !ran {
		log.Warn("batch did not run")
		return
	}
	log.Info("recurring schedule finished", logx.Int("success", rep.Success), logx.Int("failed", rep.Failed))
}

// candidates come from the schedule payload when present, otherwise from the
// external contact source.
func (s *Service) candidates(ctx context.Context, sch model.Schedule) ([]model.Recipient, error) {
	if len(sch.Numbers) > 0 {
		return sch.Numbers, nil
	}
	if s.contacts == nil {
		return nil, nil
	}
	return s.contacts.Fetch(ctx)
}

// filterEligible drops candidates that cannot be normalized or are already in
// the send history, so the daily cap is spent on recipients that can actually
// receive something.
func (s *Service) filterEligible(ctx context.Context, cands []model.Recipient) []model.Recipient {
	out := make([]model.Recipient, 0, len(cands))
	for _, c := range cands {
		canonical, ok := s.norm.Normalize(c.RawPhone)
		if !ok {
			s.log.Debug("candidate has unusable phone; dropped", logx.String("raw", c.RawPhone))
			continue
		}
		sent, err := s.st.HasSent(ctx, canonical)
		if err != nil {
			s.log.Warn("history lookup failed for candidate; dropped", logx.String("to", canonical), logx.Err(err))
			continue
		}
		if sent {
			continue
		}
		out = append(out, c)
	}
	return out
}

// runBatch submits one batch to the run queue and waits for its report.
// The bool is false when the batch never executed (queue dropped it or the
// context ended first).
func (s *Service) runBatch(ctx context.Context, name string, recs []model.Recipient, msg string) (dispatch.Report, bool) {
	done := s.queue.Submit(name, func(jctx context.Context) dispatch.Report {
		return s.disp.SendMany(jctx, recs, msg)
	})
	select {
	case rep, ok := <-done:
		return rep, ok
	case <-ctx.Done():
		return dispatch.Report{}, false
	}
}

func (s *Service) get(id string) (model.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.schedules {
		if s.schedules[i].ID == id {
			return s.schedules[i], true
		}
	}
	return model.Schedule{}, false
}

// mutateAndPersist applies fn to the working copy and flushes the whole list
// to the schedule store. A persist failure is logged; the in-memory copy
// stays authoritative until the next successful write.
func (s *Service) mutateAndPersist(ctx context.Context, id string, fn func(*model.Schedule)) {
	s.mu.Lock()
	for i := range s.schedules {
		if s.schedules[i].ID == id {
			fn(&s.schedules[i])
			break
		}
	}
	list := append([]model.Schedule(nil), s.schedules...)
	s.mu.Unlock()

	if err := s.st.SaveSchedules(ctx, list); err != nil {
		s.log.Error("schedule persist failed", logx.String("schedule", id), logx.Err(err))
	}
}
