package scheduler

import (
	"context"
	"sync"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Dispatcher performs one delivery attempt. Satisfied by dispatch.Service.
type Dispatcher interface {
	Deliver(ctx context.Context, d delivery.ScheduledDelivery) (int, error)
}

// Config controls the scheduler service.
type Config struct {
	// Workers is the size of the protocol-runner pool.
	Workers int
	// QueueSize bounds the due-row queue between timers and workers.
	QueueSize int
	// EvalInterval is the cadence of the periodic evaluation pass that
	// rebuilds the timer set even without mutations. It is what picks
	// transiently failed rows back up.
	EvalInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.EvalInterval <= 0 {
		c.EvalInterval = time.Minute
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store storage.Store
	disp  Dispatcher
	log   logx.Logger

	queue     chan int64
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// Timer set. gen invalidates callbacks from timers armed by an older
	// rebuild: each rebuild bumps it, and a firing timer whose generation is
	// stale drops out instead of enqueueing.
	tmu    sync.Mutex
	timers map[int64]*time.Timer
	gen    uint64
}

// TaskInfo is one row in the health snapshot.
type TaskInfo struct {
	ID         int64               `json:"id"`
	ChannelID  int64               `json:"channel_id"`
	PublishAt  time.Time           `json:"publish_at"`
	Recurrence delivery.Recurrence `json:"recurrence"`
}

// Snapshot is a read-only view for observability front-ends.
type Snapshot struct {
	ActiveTasks  int            `json:"active_tasks"`
	OverdueTasks int            `json:"overdue_tasks"`
	ByRecurrence map[string]int `json:"by_recurrence"`
	NextTasks    []TaskInfo     `json:"next_tasks"`
	TimersArmed  int            `json:"timers_armed"`
}
