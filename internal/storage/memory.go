package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"postbot/internal/delivery"
	logx "postbot/pkg/logx"
)

// memoryStore keeps rows in a map. Same semantics as the sqlite driver,
// including the single critical section; used by tests and ephemeral runs.
type memoryStore struct {
	mu      sync.Mutex
	log     logx.Logger
	nextID  int64
	rows    map[int64]delivery.ScheduledDelivery
	touched map[int64]time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory(log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &memoryStore{
		log:     log,
		nextID:  1,
		rows:    map[int64]delivery.ScheduledDelivery{},
		touched: map[int64]time.Time{},
	}
}

func (s *memoryStore) Admit(_ context.Context, d delivery.ScheduledDelivery) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Active && row.Fingerprint == d.Fingerprint {
			return 0, fmt.Errorf("%w: fingerprint %s", ErrDuplicate, d.Fingerprint)
		}
	}
	id := s.nextID
	s.nextID++
	d.ID = id
	s.rows[id] = d
	s.touched[id] = time.Now().UTC()
	return id, nil
}

func (s *memoryStore) ListActive(_ context.Context) ([]delivery.ScheduledDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delivery.ScheduledDelivery, 0, len(s.rows))
	for _, row := range s.rows {
		if row.Active {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishAt.Equal(out[j].PublishAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PublishAt.Before(out[j].PublishAt)
	})
	return out, nil
}

func (s *memoryStore) GetByID(_ context.Context, id int64) (delivery.ScheduledDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return delivery.ScheduledDelivery{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return row, nil
}

func (s *memoryStore) Cancel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || !row.Active {
		return nil
	}
	row.Active = false
	s.rows[id] = row
	s.touched[id] = time.Now().UTC()
	return nil
}

func (s *memoryStore) CancelChannel(_ context.Context, channelID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, row := range s.rows {
		if row.Active && row.ChannelID == channelID {
			row.Active = false
			s.rows[id] = row
			s.touched[id] = now
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Advance(_ context.Context, id int64, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || !row.Active {
		s.log.Info("advance dropped, row no longer active", logx.Int64("id", id), logx.Time("next", next))
		return nil
	}
	row.PublishAt = next.UTC()
	s.rows[id] = row
	s.touched[id] = time.Now().UTC()
	return nil
}

func (s *memoryStore) PurgeInactive(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if !row.Active && s.touched[id].Before(cutoff) {
			delete(s.rows, id)
			delete(s.touched, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Close() error { return nil }
