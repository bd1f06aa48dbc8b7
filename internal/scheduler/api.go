package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"blastbot/internal/model"
	"blastbot/pkg/logx"
)

// CreateOnce registers a one-time campaign. A due time already in the past is
// allowed: it fires on the next tick.
func (s *Service) CreateOnce(ctx context.Context, numbers []model.Recipient, message string, whenUTC time.Time) (model.Schedule, error) {
	if len(numbers) == 0 {
		return model.Schedule{}, errors.New("one-time schedule needs at least one recipient")
	}
	when := whenUTC.UTC()
	sch := model.Schedule{
		ID:      uuid.NewString(),
		Message: message,
		Numbers: append([]model.Recipient(nil), numbers...),
		WhenUTC: &when,
	}
	return sch, s.add(ctx, sch)
}

// CreateDaily registers a recurring campaign fired once per day at hhmm,
// capped at dailyLimit recipients per fire.
func (s *Service) CreateDaily(ctx context.Context, hhmm, message string, dailyLimit int) (model.Schedule, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return model.Schedule{}, err
	}
	if dailyLimit < 1 {
		return model.Schedule{}, errors.New("dailyLimit must be >= 1")
	}
	sch := model.Schedule{
		ID:         uuid.NewString(),
		Message:    message,
		HHMM:       fmt.Sprintf("%02d:%02d", h, m),
		DailyLimit: dailyLimit,
	}
	return sch, s.add(ctx, sch)
}

// CreateCron registers a recurring campaign driven by a standard 5-field cron
// spec, with the same per-fire cap as a daily schedule.
func (s *Service) CreateCron(ctx context.Context, spec, message string, dailyLimit int) (model.Schedule, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return model.Schedule{}, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	if dailyLimit < 1 {
		return model.Schedule{}, errors.New("dailyLimit must be >= 1")
	}
	sch := model.Schedule{
		ID:         uuid.NewString(),
		Message:    message,
		CronSpec:   spec,
		DailyLimit: dailyLimit,
	}
	return sch, s.add(ctx, sch)
}

func (s *Service) add(ctx context.Context, sch model.Schedule) error {
	s.mu.Lock()
	s.schedules = append(s.schedules, sch)
	list := append([]model.Schedule(nil), s.schedules...)
	s.mu.Unlock()

	if err := s.st.SaveSchedules(ctx, list); err != nil {
		s.log.Error("schedule persist failed", logx.String("schedule", sch.ID), logx.Err(err))
		return err
	}
	s.log.Info("schedule created", logx.String("schedule", sch.ID), logx.String("kind", sch.Kind().String()))
	return nil
}

// TriggerNow fires an existing schedule immediately, skipping its due check.
// A recurring schedule runs its usual candidate-fetch/filter/limit pipeline
// and stamps its fire key (today's trigger slot for a daily schedule, the
// current minute for cron), so the regular poll treats the slot as spent; the
// running guard still applies.
func (s *Service) TriggerNow(ctx context.Context, id string) error {
	sch, ok := s.get(id)
	if !ok {
		return errors.New("no such schedule: " + id)
	}
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	now := s.now().In(loc)

	switch sch.Kind() {
	case model.KindOneTime:
		if sch.Executed {
			return errors.New("schedule already executed: " + id)
		}
		s.fireOneTime(ctx, sch)
		return nil
	case model.KindDaily:
		if sch.Running {
			return errors.New("schedule run already in flight: " + id)
		}
		s.fireRecurring(ctx, sch, now.Format("2006-01-02")+" "+sch.HHMM)
		return nil
	case model.KindCron:
		if sch.Running {
			return errors.New("schedule run already in flight: " + id)
		}
		s.fireRecurring(ctx, sch, now.Truncate(time.Minute).Format(minuteKeyLayout))
		return nil
	default:
		return errors.New("schedule has no recognizable variant: " + id)
	}
}

// Cancel removes a schedule. Already-queued batch work is unaffected: a
// submitted batch always runs to completion.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.schedules {
		if s.schedules[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return errors.New("no such schedule: " + id)
	}
	s.schedules = append(s.schedules[:idx], s.schedules[idx+1:]...)
	list := append([]model.Schedule(nil), s.schedules...)
	s.mu.Unlock()

	if err := s.st.SaveSchedules(ctx, list); err != nil {
		s.log.Error("schedule persist failed", logx.String("schedule", id), logx.Err(err))
		return err
	}
	s.log.Info("schedule cancelled", logx.String("schedule", id))
	return nil
}

// List returns a copy of the working schedule list, in persisted order.
func (s *Service) List() []model.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Schedule(nil), s.schedules...)
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:      s.cfg.Enabled,
		Timezone:     s.loc.String(),
		PollInterval: s.cfg.PollInterval,
		Schedules:    append([]model.Schedule(nil), s.schedules...),
	}
	s.mu.Unlock()

	snap.QueueLen = s.queue.Len()
	if stats, err := s.st.HistoryStats(ctx); err == nil {
		snap.History = stats
	}
	return snap
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
