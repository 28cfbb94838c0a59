package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/services/scheduler"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type fakeCore struct {
	admitErr  error
	cancelled []int64
	rows      []delivery.ScheduledDelivery
}

func (f *fakeCore) Admit(_ context.Context, c delivery.Candidate) (delivery.ScheduledDelivery, error) {
	if f.admitErr != nil {
		return delivery.ScheduledDelivery{}, f.admitErr
	}
	d := c.Materialize(time.Now().UTC())
	d.ID = 42
	return d, nil
}

func (f *fakeCore) Cancel(_ context.Context, id int64) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeCore) ListActive(context.Context) ([]delivery.ScheduledDelivery, error) {
	return f.rows, nil
}

func (f *fakeCore) Snapshot(context.Context) (scheduler.Snapshot, error) {
	return scheduler.Snapshot{ActiveTasks: len(f.rows), ByRecurrence: map[string]int{}}, nil
}

type fakePublisher struct {
	err  error
	last delivery.ScheduledDelivery
}

func (f *fakePublisher) Deliver(_ context.Context, d delivery.ScheduledDelivery) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.last = d
	return 777, nil
}

const testToken = "hunter2"

func newHandler(core *fakeCore, pub *fakePublisher) http.Handler {
	s := New(Config{Token: testToken}, core, pub, logx.Nop())
	return s.handler()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set(authHeader, testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	h := newHandler(&fakeCore{}, &fakePublisher{})

	rec := doRequest(t, h, http.MethodGet, "/healthz", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/healthz", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}
}

func TestAdmit(t *testing.T) {
	t.Parallel()
	h := newHandler(&fakeCore{}, &fakePublisher{})

	at := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	body := `{"channel_id": -100123, "text": "hi", "publish_at": "` + at + `", "recurrence": "daily"}`
	rec := doRequest(t, h, http.MethodPost, "/api/deliveries", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp deliveryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != 42 || resp.Recurrence != "daily" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAdmitDuplicateConflicts(t *testing.T) {
	t.Parallel()
	h := newHandler(&fakeCore{admitErr: storage.ErrDuplicate}, &fakePublisher{})

	at := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	body := `{"channel_id": -100123, "text": "hi", "publish_at": "` + at + `"}`
	rec := doRequest(t, h, http.MethodPost, "/api/deliveries", body, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestAdmitRejectsBadPayload(t *testing.T) {
	t.Parallel()
	h := newHandler(&fakeCore{}, &fakePublisher{})

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"channel_id": `},
		{"unknown field", `{"channel_id": 1, "text": "x", "publish_at": "2030-01-01T00:00:00Z", "surprise": true}`},
		{"bad timestamp", `{"channel_id": 1, "text": "x", "publish_at": "tomorrow"}`},
		{"bad recurrence", `{"channel_id": 1, "text": "x", "publish_at": "2030-01-01T00:00:00Z", "recurrence": "hourly"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doRequest(t, h, http.MethodPost, "/api/deliveries", tc.body, true)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	h := newHandler(core, &fakePublisher{})

	rec := doRequest(t, h, http.MethodDelete, "/api/deliveries/17", "", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(core.cancelled) != 1 || core.cancelled[0] != 17 {
		t.Fatalf("cancelled = %v", core.cancelled)
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/deliveries/zero", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", rec.Code)
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	h := newHandler(&fakeCore{}, pub)

	body := `{"channel_id": -100555, "text": "breaking news", "notify": true}`
	rec := doRequest(t, h, http.MethodPost, "/api/publish", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if pub.last.ChannelID != -100555 || !pub.last.Notify {
		t.Fatalf("published = %+v", pub.last)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["message_id"] != 777 {
		t.Fatalf("message_id = %d", resp["message_id"])
	}

	rec = doRequest(t, h, http.MethodPost, "/api/publish", `{"channel_id": 1}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty content status = %d, want 400", rec.Code)
	}
}
