package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"postbot/internal/delivery"
	logx "postbot/pkg/logx"
)

// Admit validates and persists a new delivery, then folds it into the timer
// set. Returns storage.ErrDuplicate when an active row with the same
// fingerprint already exists.
func (s *Service) Admit(ctx context.Context, c delivery.Candidate) (delivery.ScheduledDelivery, error) {
	now := time.Now().UTC()
	if err := c.Validate(now); err != nil {
		return delivery.ScheduledDelivery{}, err
	}
	d := c.Materialize(now)
	id, err := s.store.Admit(ctx, d)
	if err != nil {
		return delivery.ScheduledDelivery{}, err
	}
	d.ID = id
	s.log.Info("delivery admitted",
		logx.Int64("id", id),
		logx.Int64("channel_id", d.ChannelID),
		logx.Time("publish_at", d.PublishAt),
		logx.String("recurrence", string(d.Recurrence)))
	if err := s.Rebuild(ctx); err != nil {
		return d, fmt.Errorf("admitted but rebuild failed: %w", err)
	}
	return d, nil
}

// Cancel deactivates one delivery and drops its timer.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	if err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	s.log.Info("delivery cancelled", logx.Int64("id", id))
	return s.Rebuild(ctx)
}

// CancelChannel deactivates every delivery targeting one channel.
func (s *Service) CancelChannel(ctx context.Context, channelID int64) (int, error) {
	n, err := s.store.CancelChannel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("channel deliveries cancelled",
			logx.Int64("channel_id", channelID), logx.Int("count", n))
		if err := s.Rebuild(ctx); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Service) ListActive(ctx context.Context) ([]delivery.ScheduledDelivery, error) {
	return s.store.ListActive(ctx)
}

func (s *Service) GetByID(ctx context.Context, id int64) (delivery.ScheduledDelivery, error) {
	return s.store.GetByID(ctx, id)
}

// Snapshot summarizes the active set for health reporting.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	rows, err := s.store.ListActive(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	now := time.Now().UTC()

	snap := Snapshot{
		ActiveTasks:  len(rows),
		ByRecurrence: make(map[string]int),
	}
	for _, d := range rows {
		snap.ByRecurrence[string(d.Recurrence)]++
		if d.PublishAt.Before(now) {
			snap.OverdueTasks++
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].PublishAt.Equal(rows[j].PublishAt) {
			return rows[i].PublishAt.Before(rows[j].PublishAt)
		}
		return rows[i].ID < rows[j].ID
	})
	for _, d := range rows {
		if len(snap.NextTasks) == 5 {
			break
		}
		snap.NextTasks = append(snap.NextTasks, TaskInfo{
			ID:         d.ID,
			ChannelID:  d.ChannelID,
			PublishAt:  d.PublishAt,
			Recurrence: d.Recurrence,
		})
	}

	s.tmu.Lock()
	snap.TimersArmed = len(s.timers)
	s.tmu.Unlock()
	return snap, nil
}
