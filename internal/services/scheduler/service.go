package scheduler

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func New(cfg Config, store storage.Store, disp Dispatcher, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		disp:   disp,
		log:    log.With(logx.String("svc", "scheduler")),
		timers: make(map[int64]*time.Timer),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already started")
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan int64, s.cfg.QueueSize)
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	stopCh := s.stopCh
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker(i)
	}
	s.workerWG.Add(1)
	go s.evalLoop(stopCh)

	if err := s.Rebuild(ctx); err != nil {
		return fmt.Errorf("scheduler: initial rebuild: %w", err)
	}
	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("eval_interval", s.cfg.EvalInterval))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	s.stopCh = nil
	s.runCancel()
	s.mu.Unlock()

	s.tmu.Lock()
	s.gen++
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// evalLoop periodically rebuilds the timer set. A row whose attempt failed
// transiently keeps its past-due publish_at, so the next pass re-arms it with
// a zero delay and it gets retried.
func (s *Service) evalLoop(stopCh chan struct{}) {
	defer s.workerWG.Done()
	ticker := time.NewTicker(s.cfg.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := s.Rebuild(s.runCtx); err != nil {
				s.log.Warn("periodic rebuild failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) worker(n int) {
	defer s.workerWG.Done()
	log := s.log.With(logx.Int("worker", n))
	for {
		select {
		case <-s.runCtx.Done():
			return
		case id := <-s.queue:
			s.fire(s.runCtx, id, log)
		}
	}
}

// enqueue hands a due row to the worker pool. The queue is bounded; if it is
// full the row is dropped with a warning and the next evaluation pass will
// re-arm it.
func (s *Service) enqueue(id int64) {
	s.mu.Lock()
	stopped := s.stopCh == nil
	s.mu.Unlock()
	if stopped {
		return
	}
	select {
	case s.queue <- id:
	default:
		s.log.Warn("delivery queue full, deferring row", logx.Int64("id", id))
	}
}

// Rebuild replaces the whole timer set from active storage rows. Rows that
// fail validation are excluded and logged rather than armed; they stay in
// storage untouched.
func (s *Service) Rebuild(ctx context.Context) error {
	rows, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active: %w", err)
	}

	now := time.Now().UTC()
	s.tmu.Lock()
	defer s.tmu.Unlock()

	s.gen++
	gen := s.gen
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}

	armed := 0
	for _, d := range rows {
		if err := d.CheckRow(); err != nil {
			s.log.Warn("skipping invalid row",
				logx.Int64("id", d.ID), logx.Err(err))
			continue
		}
		delay := d.PublishAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		id := d.ID
		s.timers[id] = time.AfterFunc(delay, func() {
			s.tmu.Lock()
			live := s.gen == gen
			if live {
				delete(s.timers, id)
			}
			s.tmu.Unlock()
			if live {
				s.enqueue(id)
			}
		})
		armed++
	}
	s.log.Debug("timer set rebuilt",
		logx.Int("active", len(rows)), logx.Int("armed", armed))
	return nil
}
