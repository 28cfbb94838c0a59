package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	err       error
	delivered []int64
	nextMsgID int
}

func (f *fakeDispatcher) Deliver(_ context.Context, d delivery.ScheduledDelivery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.delivered = append(f.delivered, d.ID)
	f.nextMsgID++
	return f.nextMsgID, nil
}

func (f *fakeDispatcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func newTestService(t *testing.T) (*Service, storage.Store, *fakeDispatcher) {
	t.Helper()
	st := storage.NewMemory(logx.Nop())
	fd := &fakeDispatcher{}
	svc := New(Config{Workers: 1, QueueSize: 16, EvalInterval: time.Hour}, st, fd, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := svc.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return svc, st, fd
}

// insertPastDue seeds the store directly with an already-due row, bypassing
// candidate validation, and rebuilds the timer set so it fires immediately.
func insertPastDue(t *testing.T, svc *Service, st storage.Store, channelID int64, rec delivery.Recurrence, at time.Time) delivery.ScheduledDelivery {
	t.Helper()
	now := time.Now().UTC()
	at = at.UTC()
	d := delivery.ScheduledDelivery{
		ChannelID:         channelID,
		Content:           delivery.Content{Text: "hello"},
		PublishAt:         at,
		OriginalPublishAt: at,
		Recurrence:        rec,
		Notify:            true,
		Active:            true,
		CreatedAt:         now,
		MaxEndDate:        now.Add(delivery.MaxLifetime),
		Fingerprint:       delivery.Fingerprint(channelID, delivery.Content{Text: "hello"}, at, rec),
	}
	id, err := st.Admit(context.Background(), d)
	if err != nil {
		t.Fatalf("seed row: %v", err)
	}
	d.ID = id
	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOnceDeliveredAndRetired(t *testing.T) {
	t.Parallel()
	svc, st, fd := newTestService(t)

	d := insertPastDue(t, svc, st, 100, delivery.Once, time.Now().UTC().Add(-time.Minute))
	waitFor(t, "delivery", func() bool { return fd.count() == 1 })

	waitFor(t, "retirement", func() bool {
		got, err := st.GetByID(context.Background(), d.ID)
		return err == nil && !got.Active
	})
}

func TestDailyAdvancesFromLastPlannedSlot(t *testing.T) {
	t.Parallel()
	svc, st, fd := newTestService(t)

	// An hour overdue. The next slot is anchored on the planned publish time,
	// not on the moment of delivery, so it lands 23h from now.
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	d := insertPastDue(t, svc, st, 101, delivery.Daily, at)

	waitFor(t, "delivery", func() bool { return fd.count() == 1 })
	waitFor(t, "reschedule", func() bool {
		got, err := st.GetByID(context.Background(), d.ID)
		return err == nil && got.PublishAt.After(at)
	})

	got, err := st.GetByID(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.Active {
		t.Fatal("recurring row must stay active after delivery")
	}
	if want := at.Add(24 * time.Hour); !got.PublishAt.Equal(want) {
		t.Fatalf("PublishAt = %v, want %v", got.PublishAt, want)
	}
	if !got.OriginalPublishAt.Equal(at) {
		t.Fatalf("OriginalPublishAt changed: %v, want %v", got.OriginalPublishAt, at)
	}
}

func TestRecurringRetiresAtLifetimeCeiling(t *testing.T) {
	t.Parallel()
	svc, st, fd := newTestService(t)

	// MaxEndDate sits closer than one day out, so the first delivery has no
	// legal next slot and the row is retired instead of rescheduled.
	now := time.Now().UTC()
	at := now.Add(-time.Minute)
	d := delivery.ScheduledDelivery{
		ChannelID:         102,
		Content:           delivery.Content{Text: "last run"},
		PublishAt:         at,
		OriginalPublishAt: at,
		Recurrence:        delivery.Daily,
		Active:            true,
		CreatedAt:         now.Add(-delivery.MaxLifetime),
		MaxEndDate:        now.Add(time.Hour),
		Fingerprint:       delivery.Fingerprint(102, delivery.Content{Text: "last run"}, at, delivery.Daily),
	}
	id, err := st.Admit(context.Background(), d)
	if err != nil {
		t.Fatalf("seed row: %v", err)
	}
	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	waitFor(t, "delivery", func() bool { return fd.count() == 1 })
	waitFor(t, "retirement", func() bool {
		got, err := st.GetByID(context.Background(), id)
		return err == nil && !got.Active
	})
}

func TestChannelGoneSuspendsWholeChannel(t *testing.T) {
	t.Parallel()
	svc, st, fd := newTestService(t)
	fd.setErr(transport.ErrChannelForbidden)

	future := time.Now().UTC().Add(48 * time.Hour)
	insertPastDue(t, svc, st, 200, delivery.Daily, future)
	insertPastDue(t, svc, st, 200, delivery.Weekly, future.Add(time.Hour))
	other := insertPastDue(t, svc, st, 201, delivery.Daily, future)

	// Only the due row triggers the protocol; it takes its siblings with it.
	due := insertPastDue(t, svc, st, 200, delivery.Once, time.Now().UTC().Add(-time.Minute))

	waitFor(t, "channel suspension", func() bool {
		got, err := st.GetByID(context.Background(), due.ID)
		return err == nil && !got.Active
	})

	rows, err := st.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != other.ID {
		t.Fatalf("active rows after suspension = %+v, want only id %d", rows, other.ID)
	}
	if fd.count() != 0 {
		t.Fatalf("delivered %d messages, want 0", fd.count())
	}
}

func TestTransientFailureLeavesRowForRetry(t *testing.T) {
	t.Parallel()
	svc, st, fd := newTestService(t)
	fd.setErr(errors.New("telegram: retry after 5 (429)"))

	at := time.Now().UTC().Add(-time.Minute)
	d := insertPastDue(t, svc, st, 300, delivery.Once, at)

	// Give the failed attempt time to run, then confirm no transition.
	waitFor(t, "failed attempt", func() bool {
		got, err := st.GetByID(context.Background(), d.ID)
		if err != nil {
			return false
		}
		return got.Active && got.PublishAt.Equal(at)
	})
	if fd.count() != 0 {
		t.Fatalf("delivered %d messages during outage, want 0", fd.count())
	}

	// Recovery: the next evaluation pass re-arms the overdue row.
	fd.setErr(nil)
	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	waitFor(t, "retry delivery", func() bool { return fd.count() == 1 })
	waitFor(t, "retirement", func() bool {
		got, err := st.GetByID(context.Background(), d.ID)
		return err == nil && !got.Active
	})
}

func TestAdmitRejectsDuplicates(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	c := delivery.Candidate{
		ChannelID:  400,
		Content:    delivery.Content{Text: "repeat me"},
		PublishAt:  time.Now().UTC().Add(time.Hour),
		Recurrence: delivery.Daily,
	}
	if _, err := svc.Admit(context.Background(), c); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	_, err := svc.Admit(context.Background(), c)
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("second Admit err = %v, want ErrDuplicate", err)
	}
}

func TestAdmitRejectsInvalidCandidate(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	c := delivery.Candidate{
		ChannelID:  401,
		Content:    delivery.Content{Text: "late"},
		PublishAt:  time.Now().UTC().Add(-time.Hour),
		Recurrence: delivery.Once,
	}
	if _, err := svc.Admit(context.Background(), c); err == nil {
		t.Fatal("Admit accepted a past publish time")
	}
}

func TestCancelDropsTimer(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)

	d, err := svc.Admit(context.Background(), delivery.Candidate{
		ChannelID:  500,
		Content:    delivery.Content{Text: "never mind"},
		PublishAt:  time.Now().UTC().Add(time.Hour),
		Recurrence: delivery.Once,
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := svc.Cancel(context.Background(), d.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := st.GetByID(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Active {
		t.Fatal("row still active after Cancel")
	}

	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.TimersArmed != 0 {
		t.Fatalf("TimersArmed = %d, want 0", snap.TimersArmed)
	}
}

func TestRebuildSkipsInvalidRows(t *testing.T) {
	t.Parallel()
	svc, st, fd := newTestService(t)

	now := time.Now().UTC()
	bad := delivery.ScheduledDelivery{
		ChannelID:         600,
		Content:           delivery.Content{Text: "broken"},
		PublishAt:         now.Add(-time.Minute),
		OriginalPublishAt: now.Add(-time.Minute),
		Recurrence:        delivery.Recurrence("fortnightly"),
		Active:            true,
		CreatedAt:         now,
		MaxEndDate:        now.Add(delivery.MaxLifetime),
		Fingerprint:       "cafecafecafecafe",
	}
	if _, err := st.Admit(context.Background(), bad); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	good := insertPastDue(t, svc, st, 600, delivery.Once, now.Add(-time.Minute))

	waitFor(t, "good row delivery", func() bool { return fd.count() == 1 })

	fd.mu.Lock()
	deliveredID := fd.delivered[0]
	fd.mu.Unlock()
	if deliveredID != good.ID {
		t.Fatalf("delivered id %d, want %d", deliveredID, good.ID)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)

	now := time.Now().UTC()
	insertPastDue(t, svc, st, 700, delivery.Daily, now.Add(30*time.Hour))
	insertPastDue(t, svc, st, 700, delivery.Weekly, now.Add(31*time.Hour))
	insertPastDue(t, svc, st, 701, delivery.Daily, now.Add(32*time.Hour))

	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.ActiveTasks != 3 {
		t.Fatalf("ActiveTasks = %d, want 3", snap.ActiveTasks)
	}
	if snap.OverdueTasks != 0 {
		t.Fatalf("OverdueTasks = %d, want 0", snap.OverdueTasks)
	}
	if snap.ByRecurrence["daily"] != 2 || snap.ByRecurrence["weekly"] != 1 {
		t.Fatalf("ByRecurrence = %v", snap.ByRecurrence)
	}
	if len(snap.NextTasks) != 3 {
		t.Fatalf("NextTasks = %d entries, want 3", len(snap.NextTasks))
	}
	if !snap.NextTasks[0].PublishAt.Before(snap.NextTasks[1].PublishAt) {
		t.Fatal("NextTasks not sorted by publish time")
	}
}
