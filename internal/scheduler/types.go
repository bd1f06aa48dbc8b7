package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"blastbot/internal/dispatch"
	"blastbot/internal/model"
	"blastbot/internal/phone"
	"blastbot/internal/store"
	"blastbot/internal/transport"
	"blastbot/pkg/logx"
)

// Config controls the campaign scheduler.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	Timezone     string // IANA TZ, e.g. "Asia/Kolkata"
}

const DefaultPollInterval = 10 * time.Second

// ContactSource supplies candidate recipients for recurring campaigns.
type ContactSource interface {
	Fetch(ctx context.Context) ([]model.Recipient, error)
}

// Service polls the persisted schedule list on a fixed interval, decides which
// campaigns are due, and funnels each one through the run queue as a single
// batch. Schedules are processed in persisted list order; because all batches
// share one queue, two due campaigns never interleave sends.
type Service struct {
	log      logx.Logger
	st       store.Store
	queue    *dispatch.Queue
	disp     *dispatch.Dispatcher
	adapter  transport.Adapter
	contacts ContactSource
	norm     phone.Normalizer
	parser   cron.Parser

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	schedules []model.Schedule

	ready atomic.Bool

	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; closed when the loop exits.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup

	// now is a test seam.
	now func() time.Time
}

// Snapshot is a point-in-time view for operator surfaces.
type Snapshot struct {
	Enabled      bool
	Timezone     string
	PollInterval time.Duration
	QueueLen     int
	Schedules    []model.Schedule
	History      store.HistoryStats
}
