// Package housekeeping runs periodic maintenance on the delivery store:
// retired rows are kept for a retention window and then purged, and an
// overdue summary is logged so a stuck scheduler is visible in the logs.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	defaultSchedule = "17 3 * * *"
	defaultRetain   = 30 * 24 * time.Hour
)

type Config struct {
	// PurgeSchedule is a standard 5-field cron expression.
	PurgeSchedule string

	// RetainFor is how long retired rows stay queryable before deletion.
	RetainFor time.Duration
}

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.PurgeSchedule) == "" {
		cfg.PurgeSchedule = defaultSchedule
	}
	if cfg.RetainFor <= 0 {
		cfg.RetainFor = defaultRetain
	}
	return &Service{
		cfg:   cfg,
		store: store,
		log:   log.With(logx.String("svc", "housekeeping")),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("housekeeping: already started")
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.PurgeSchedule, func() { s.runPurge(context.Background()) }); err != nil {
		return fmt.Errorf("housekeeping: bad purge schedule %q: %w", s.cfg.PurgeSchedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping started",
		logx.String("schedule", s.cfg.PurgeSchedule),
		logx.Duration("retain_for", s.cfg.RetainFor))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunPurge deletes rows retired longer ago than the retention window. Exposed
// so an operator endpoint or test can trigger it outside the schedule.
func (s *Service) RunPurge(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.RetainFor)
	return s.store.PurgeInactive(ctx, cutoff)
}

func (s *Service) runPurge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := s.RunPurge(ctx)
	if err != nil {
		s.log.Error("purge failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("purged retired deliveries", logx.Int("count", n))
	}

	s.reportOverdue(ctx)
}

// reportOverdue logs rows whose publish time is far in the past. Under normal
// operation the evaluation pass keeps this near zero.
func (s *Service) reportOverdue(ctx context.Context) {
	rows, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error("overdue scan failed", logx.Err(err))
		return
	}
	now := time.Now().UTC()
	overdue := 0
	var oldest time.Time
	for _, d := range rows {
		if d.PublishAt.Before(now.Add(-time.Hour)) {
			overdue++
			if oldest.IsZero() || d.PublishAt.Before(oldest) {
				oldest = d.PublishAt
			}
		}
	}
	if overdue > 0 {
		s.log.Warn("deliveries overdue by more than an hour",
			logx.Int("count", overdue), logx.Time("oldest", oldest))
	}
}
