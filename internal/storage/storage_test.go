package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postbot/internal/delivery"
	logx "postbot/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "postbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(logx.Nop()),
		"sqlite": sq,
	}
}

func mkRow(channel int64, text string, at time.Time, rec delivery.Recurrence) delivery.ScheduledDelivery {
	return delivery.Candidate{
		ChannelID:  channel,
		Content:    delivery.Content{Text: text},
		PublishAt:  at,
		Recurrence: rec,
		Notify:     true,
	}.Materialize(at.Add(-time.Hour))
}

func TestAdmitRejectsDuplicates(t *testing.T) {
	t.Parallel()
	at := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			row := mkRow(-100123, "Hello", at, delivery.Daily)

			id, err := st.Admit(ctx, row)
			if err != nil {
				t.Fatalf("first admit: %v", err)
			}
			if id == 0 {
				t.Fatal("admit returned zero id")
			}

			if _, err := st.Admit(ctx, row); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("second admit = %v, want ErrDuplicate", err)
			}

			// Once the first row is retired the same content may be admitted again.
			if err := st.Cancel(ctx, id); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if _, err := st.Admit(ctx, row); err != nil {
				t.Fatalf("re-admit after cancel: %v", err)
			}
		})
	}
}

func TestListActiveOrdering(t *testing.T) {
	t.Parallel()
	base := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			later, _ := st.Admit(ctx, mkRow(1, "later", base.Add(2*time.Hour), delivery.Once))
			earlier, _ := st.Admit(ctx, mkRow(1, "earlier", base, delivery.Once))
			canceled, _ := st.Admit(ctx, mkRow(1, "gone", base.Add(time.Hour), delivery.Once))
			if err := st.Cancel(ctx, canceled); err != nil {
				t.Fatalf("cancel: %v", err)
			}

			rows, err := st.ListActive(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(rows) != 2 {
				t.Fatalf("got %d active rows, want 2", len(rows))
			}
			if rows[0].ID != earlier || rows[1].ID != later {
				t.Fatalf("rows not ascending by publish_at: %d, %d", rows[0].ID, rows[1].ID)
			}
		})
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	at := time.Now().UTC().Add(time.Hour)
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := st.Admit(ctx, mkRow(1, "x", at, delivery.Once))
			if err := st.Cancel(ctx, id); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if err := st.Cancel(ctx, id); err != nil {
				t.Fatalf("second cancel: %v", err)
			}
			if err := st.Cancel(ctx, 99999); err != nil {
				t.Fatalf("cancel of unknown id: %v", err)
			}
		})
	}
}

func TestCancelChannelSuspendsEveryRow(t *testing.T) {
	t.Parallel()
	at := time.Now().UTC().Add(time.Hour)
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st.Admit(ctx, mkRow(-5, "a", at, delivery.Daily))
			st.Admit(ctx, mkRow(-5, "b", at.Add(time.Hour), delivery.Weekly))
			keep, _ := st.Admit(ctx, mkRow(-6, "c", at, delivery.Daily))

			n, err := st.CancelChannel(ctx, -5)
			if err != nil {
				t.Fatalf("cancel channel: %v", err)
			}
			if n != 2 {
				t.Fatalf("suspended %d rows, want 2", n)
			}

			rows, _ := st.ListActive(ctx)
			if len(rows) != 1 || rows[0].ID != keep {
				t.Fatalf("unrelated channel was touched: %+v", rows)
			}
		})
	}
}

func TestAdvance(t *testing.T) {
	t.Parallel()
	at := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := st.Admit(ctx, mkRow(1, "x", at, delivery.Daily))

			next := at.Add(24 * time.Hour)
			if err := st.Advance(ctx, id, next); err != nil {
				t.Fatalf("advance: %v", err)
			}
			got, err := st.GetByID(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.PublishAt.Equal(next) {
				t.Fatalf("publish_at = %v, want %v", got.PublishAt, next)
			}
			if !got.OriginalPublishAt.Equal(at) {
				t.Fatalf("original_publish_at changed: %v", got.OriginalPublishAt)
			}

			// A row canceled between fire and reschedule: advance is a logged no-op.
			st.Cancel(ctx, id)
			if err := st.Advance(ctx, id, next.Add(24*time.Hour)); err != nil {
				t.Fatalf("advance on inactive row: %v", err)
			}
			got, _ = st.GetByID(ctx, id)
			if !got.PublishAt.Equal(next) {
				t.Fatalf("inactive row was advanced to %v", got.PublishAt)
			}
		})
	}
}

func TestGetByIDNotFound(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if _, err := st.GetByID(context.Background(), 42); !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPurgeInactive(t *testing.T) {
	t.Parallel()
	at := time.Now().UTC().Add(time.Hour)
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gone, _ := st.Admit(ctx, mkRow(1, "old", at, delivery.Once))
			kept, _ := st.Admit(ctx, mkRow(1, "live", at.Add(time.Hour), delivery.Once))
			st.Cancel(ctx, gone)

			// Cutoff in the future covers the just-canceled row; the active row
			// must survive regardless.
			n, err := st.PurgeInactive(ctx, time.Now().UTC().Add(time.Minute))
			if err != nil {
				t.Fatalf("purge: %v", err)
			}
			if n != 1 {
				t.Fatalf("purged %d rows, want 1", n)
			}
			if _, err := st.GetByID(ctx, gone); !errors.Is(err, ErrNotFound) {
				t.Fatalf("purged row still present: %v", err)
			}
			if _, err := st.GetByID(ctx, kept); err != nil {
				t.Fatalf("active row was purged: %v", err)
			}
		})
	}
}
