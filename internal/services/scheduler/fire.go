package scheduler

import (
	"context"
	"errors"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// fire runs the full protocol for one due row: reload, deliver, then either
// advance to the next occurrence, retire, or suspend the whole channel.
// A transient delivery failure leaves the row untouched so the periodic
// evaluation pass retries it.
func (s *Service) fire(ctx context.Context, id int64, log logx.Logger) {
	d, err := s.store.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("load due row", logx.Int64("id", id), logx.Err(err))
		}
		return
	}
	if !d.Active {
		// Cancelled between arming and firing. Nothing to do.
		return
	}

	log = log.With(logx.Int64("id", d.ID), logx.Int64("channel_id", d.ChannelID))

	msgID, err := s.disp.Deliver(ctx, d)
	switch {
	case err == nil:
		log.Info("delivered", logx.Int("message_id", msgID))
		s.advance(ctx, d, log)
	case transport.IsChannelGone(err):
		n, cerr := s.store.CancelChannel(ctx, d.ChannelID)
		if cerr != nil {
			log.Error("suspend channel", logx.Err(cerr))
			return
		}
		log.Warn("channel unreachable, suspended all its deliveries",
			logx.Int("suspended", n), logx.Err(err))
		s.rebuildAfterMutation(ctx, log)
	default:
		// Transient. No state transition; the row keeps its past-due
		// publish_at and the next evaluation pass fires it again.
		log.Warn("delivery attempt failed, will retry", logx.Err(err))
	}
}

// advance moves a just-delivered row to its next state: one-shot rows are
// retired, recurring rows get their next occurrence unless it would fall past
// the retirement horizon.
func (s *Service) advance(ctx context.Context, d delivery.ScheduledDelivery, log logx.Logger) {
	next, ok := delivery.NextOccurrence(d.OriginalPublishAt, d.Recurrence, d.PublishAt)
	if ok && !d.MaxEndDate.IsZero() && next.After(d.MaxEndDate) {
		ok = false
	}
	if !ok {
		if err := s.store.Cancel(ctx, d.ID); err != nil {
			log.Error("retire row", logx.Err(err))
			return
		}
		log.Info("delivery completed, retired",
			logx.String("recurrence", string(d.Recurrence)))
	} else {
		if err := s.store.Advance(ctx, d.ID, next); err != nil {
			log.Error("advance row", logx.Err(err))
			return
		}
		log.Info("rescheduled", logx.Time("next_publish_at", next))
	}
	s.rebuildAfterMutation(ctx, log)
}

func (s *Service) rebuildAfterMutation(ctx context.Context, log logx.Logger) {
	if err := s.Rebuild(ctx); err != nil {
		log.Error("rebuild after mutation", logx.Err(err))
	}
}
