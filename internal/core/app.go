// Package core wires the campaign services together and owns their lifecycle.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"blastbot/internal/config"
	"blastbot/internal/contacts"
	"blastbot/internal/dispatch"
	"blastbot/internal/model"
	"blastbot/internal/phone"
	"blastbot/internal/scheduler"
	"blastbot/internal/store"
	"blastbot/internal/transport"
	"blastbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	logs *logx.Service
	log  logx.Logger

	st       store.Store
	adapter  transport.Adapter
	contacts *contacts.CSVSource
	queue    *dispatch.Queue
	disp     *dispatch.Dispatcher
	sched    *scheduler.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, base := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log := base.With(logx.String("comp", "app"))

	norm := phone.NewNormalizer(cfg.Phone.CountryPrefix)

	stCfg, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, base.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	adapter := transport.NewConsole(base.With(logx.String("comp", "transport")))

	dispCfg, err := dispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, norm, st, adapter, base.With(logx.String("comp", "dispatch")))
	queue := dispatch.NewQueue(base.With(logx.String("comp", "queue")))

	src := contacts.NewCSV(contacts.Config{
		Path:        cfg.Contacts.Path,
		NameColumn:  cfg.Contacts.NameColumn,
		PhoneColumn: cfg.Contacts.PhoneColumn,
	}, base.With(logx.String("comp", "contacts")))

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, st, queue, disp, adapter, src, norm, base.With(logx.String("comp", "scheduler")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		st:       st,
		adapter:  adapter,
		contacts: src,
		queue:    queue,
		disp:     disp,
		sched:    sched,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := dispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := schedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := storeConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	a.queue.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logging.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the running services. The phone
// prefix and storage layout are boot-time decisions; changing them needs a
// restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if dispCfg, err := dispatchConfig(newCfg); err == nil {
		a.disp.Apply(dispCfg)
	} else {
		a.log.Warn("invalid dispatch config on reload; keeping previous", logx.Err(err))
	}

	a.contacts.Apply(contacts.Config{
		Path:        newCfg.Contacts.Path,
		NameColumn:  newCfg.Contacts.NameColumn,
		PhoneColumn: newCfg.Contacts.PhoneColumn,
	})

	if schedCfg, err := schedulerConfig(newCfg); err == nil {
		a.sched.Apply(schedCfg)
	} else {
		a.log.Warn("invalid scheduler config on reload; keeping previous", logx.Err(err))
	}

	for _, sec := range sections {
		if sec == "phone" || sec == "storage" {
			a.log.Warn("config section needs a restart to take effect", logx.String("section", sec))
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// TriggerBatch sends message to the given recipients through the run queue,
// behind the same guards as any scheduled campaign. It blocks until the batch
// report is in or ctx ends.
func (a *App) TriggerBatch(ctx context.Context, recipients []model.Recipient, message string) (dispatch.Report, error) {
	if len(recipients) == 0 {
		return dispatch.Report{}, fmt.Errorf("no recipients")
	}
	done := a.queue.Submit("manual", func(jctx context.Context) dispatch.Report {
		return a.disp.SendMany(jctx, recipients, message)
	})
	select {
	case rep, ok := <-done:
		if !ok {
			return dispatch.Report{}, fmt.Errorf("batch dropped by run queue")
		}
		return rep, nil
	case <-ctx.Done():
		return dispatch.Report{}, ctx.Err()
	}
}

func (a *App) CreateOnce(ctx context.Context, numbers []model.Recipient, message string, whenUTC time.Time) (model.Schedule, error) {
	return a.sched.CreateOnce(ctx, numbers, message, whenUTC)
}

func (a *App) CreateDaily(ctx context.Context, hhmm, message string, dailyLimit int) (model.Schedule, error) {
	return a.sched.CreateDaily(ctx, hhmm, message, dailyLimit)
}

func (a *App) CreateCron(ctx context.Context, spec, message string, dailyLimit int) (model.Schedule, error) {
	return a.sched.CreateCron(ctx, spec, message, dailyLimit)
}

// TriggerNow fires an existing schedule immediately through its normal
// pipeline, without waiting for its trigger minute.
func (a *App) TriggerNow(ctx context.Context, id string) error { return a.sched.TriggerNow(ctx, id) }

func (a *App) CancelSchedule(ctx context.Context, id string) error { return a.sched.Cancel(ctx, id) }

func (a *App) Schedules() []model.Schedule { return a.sched.List() }

func (a *App) ResetHistory(ctx context.Context) error { return a.st.ResetHistory(ctx) }

func (a *App) Status(ctx context.Context) scheduler.Snapshot { return a.sched.Snapshot(ctx) }

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Order: scheduler first so no new batches are queued, then drain the
	// queue, then the transport and storage underneath it.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 4*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("transport", 1*time.Second, func(c context.Context) error { return a.adapter.Close() })
	step("storage", 1*time.Second, func(c context.Context) error { return a.st.Close() })

	// Finally, wait for supervised goroutines (config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
