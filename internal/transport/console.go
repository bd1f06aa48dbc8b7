package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"blastbot/pkg/logx"
)

// Console is a dry-run adapter: every send is logged and reported as
// delivered. It is always ready and emits a single ready event on creation.
type Console struct {
	log logx.Logger

	ready  atomic.Bool
	events chan Event

	closeOnce sync.Once
}

func NewConsole(log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Console{
		log:    log,
		events: make(chan Event, 8),
	}
	c.ready.Store(true)
	c.events <- Event{Type: EventReady, At: time.Now()}
	return c
}

func (c *Console) SendText(ctx context.Context, id, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.Info("dry-run text", logx.String("to", id), logx.Int("len", len(text)))
	return nil
}

func (c *Console) SendMedia(ctx context.Context, id, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.Info("dry-run media", logx.String("to", id), logx.String("path", path))
	return nil
}

func (c *Console) Archive(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.Debug("dry-run archive", logx.String("to", id))
	return nil
}

func (c *Console) Ready() bool { return c.ready.Load() }

func (c *Console) Events() <-chan Event { return c.events }

func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		c.ready.Store(false)
		close(c.events)
	})
	return nil
}
