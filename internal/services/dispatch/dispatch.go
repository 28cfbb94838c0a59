// Package dispatch performs one delivery attempt against the injected channel
// capability: pick the send operation by content variant, escape free-form
// text, optionally pin the result, optionally arm a deferred deletion.
package dispatch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/delivery"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Config struct {
	// RatePerSec caps outbound sends across all tasks (Bot API flood limits).
	RatePerSec int
}

type Service struct {
	cfg Config
	ch  transport.Channel
	log logx.Logger

	limiter *rate.Limiter

	// sup owns deferred-deletion goroutines. It is rooted in the background
	// context on purpose: once armed, a deletion runs to completion (or
	// process exit) regardless of what happens to the owning task. Pending
	// deletions are not persisted, so a restart drops them; known limitation.
	sup *supervisor.Supervisor

	// dayLength exists so tests don't sleep for days.
	dayLength time.Duration
}

func New(cfg Config, ch transport.Channel, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Service{
		cfg:       cfg,
		ch:        ch,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		sup:       supervisor.New(context.Background(), supervisor.WithLogger(log)),
		dayLength: 24 * time.Hour,
	}
}

// PendingDeletions reports how many deferred deletions are still armed.
func (s *Service) PendingDeletions() int64 { return s.sup.Active() }

// Stop abandons pending deferred deletions and waits for their goroutines to
// unwind. Deletions are not persisted, so they do not survive a restart
// anyway; a clean shutdown just stops sleeping on them.
func (s *Service) Stop(ctx context.Context) error {
	s.sup.Cancel()
	return s.sup.Wait(ctx)
}

// Deliver sends one content item to its channel and returns the delivered
// message id. Pin failures and deferred-deletion arming never affect the
// result: a successful send is a successful delivery.
func (s *Service) Deliver(ctx context.Context, d delivery.ScheduledDelivery) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	opt := transport.SendOptions{
		Silent:    !d.Notify,
		ParseMode: transport.ParseModeMarkdownV2,
	}

	var (
		msgID int
		err   error
	)
	switch d.Content.Kind() {
	case delivery.KindPhoto:
		msgID, err = s.ch.SendPhoto(ctx, d.ChannelID, d.Content.PhotoID, escapeMarkdownV2(d.Content.Caption), opt)
	case delivery.KindDocument:
		msgID, err = s.ch.SendDocument(ctx, d.ChannelID, d.Content.DocumentID, escapeMarkdownV2(d.Content.Caption), opt)
	default:
		msgID, err = s.ch.SendText(ctx, d.ChannelID, escapeMarkdownV2(d.Content.Text), opt)
	}
	if err != nil {
		return 0, err
	}

	s.log.Info("delivered",
		logx.Int64("task", d.ID), logx.Int64("channel", d.ChannelID),
		logx.String("kind", string(d.Content.Kind())), logx.Int("message", msgID))

	if d.Pin {
		if err := s.ch.Pin(ctx, d.ChannelID, msgID); err != nil {
			// Pinning is best-effort; the delivery already succeeded.
			s.log.Warn("pin failed",
				logx.Int64("task", d.ID), logx.Int64("channel", d.ChannelID),
				logx.Int("message", msgID), logx.Err(err))
		}
	}

	if d.DeleteAfterDays > 0 {
		s.armDeletion(d.ChannelID, msgID, d.DeleteAfterDays)
	}

	return msgID, nil
}

// armDeletion schedules removal of a delivered message after the configured
// number of days. The task is detached and non-cancellable; its outcome never
// propagates back to the owning row.
func (s *Service) armDeletion(channelID int64, msgID, days int) {
	if days > delivery.MaxDeleteAfterDays {
		days = delivery.MaxDeleteAfterDays
	}
	delay := time.Duration(days) * s.dayLength
	s.log.Info("deletion armed",
		logx.Int64("channel", channelID), logx.Int("message", msgID),
		logx.Duration("after", delay))

	s.sup.Go0("deferred.delete", func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.ch.Delete(dctx, channelID, msgID); err != nil {
			s.log.Warn("deferred deletion failed",
				logx.Int64("channel", channelID), logx.Int("message", msgID), logx.Err(err))
			return
		}
		s.log.Info("message deleted",
			logx.Int64("channel", channelID), logx.Int("message", msgID))
	})
}
