package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// deliveryRequest is the admission payload. PublishAt is RFC3339; recurrence
// defaults to "once".
type deliveryRequest struct {
	ChannelID       int64  `json:"channel_id"`
	Text            string `json:"text,omitempty"`
	PhotoID         string `json:"photo_id,omitempty"`
	DocumentID      string `json:"document_id,omitempty"`
	Caption         string `json:"caption,omitempty"`
	PublishAt       string `json:"publish_at"`
	Recurrence      string `json:"recurrence,omitempty"`
	Pin             bool   `json:"pin,omitempty"`
	Notify          bool   `json:"notify,omitempty"`
	DeleteAfterDays int    `json:"delete_after_days,omitempty"`
}

type deliveryResponse struct {
	ID              int64     `json:"id"`
	ChannelID       int64     `json:"channel_id"`
	PublishAt       time.Time `json:"publish_at"`
	Recurrence      string    `json:"recurrence"`
	Pin             bool      `json:"pin"`
	Notify          bool      `json:"notify"`
	DeleteAfterDays int       `json:"delete_after_days,omitempty"`
	MaxEndDate      time.Time `json:"max_end_date"`
}

func toResponse(d delivery.ScheduledDelivery) deliveryResponse {
	return deliveryResponse{
		ID:              d.ID,
		ChannelID:       d.ChannelID,
		PublishAt:       d.PublishAt,
		Recurrence:      string(d.Recurrence),
		Pin:             d.Pin,
		Notify:          d.Notify,
		DeleteAfterDays: d.DeleteAfterDays,
		MaxEndDate:      d.MaxEndDate,
	}
}

func (r deliveryRequest) candidate() (delivery.Candidate, error) {
	rec := r.Recurrence
	if rec == "" {
		rec = string(delivery.Once)
	}
	parsed, err := delivery.ParseRecurrence(rec)
	if err != nil {
		return delivery.Candidate{}, err
	}
	at, err := time.Parse(time.RFC3339, r.PublishAt)
	if err != nil {
		return delivery.Candidate{}, errors.New("publish_at must be RFC3339")
	}
	return delivery.Candidate{
		ChannelID: r.ChannelID,
		Content: delivery.Content{
			Text:       r.Text,
			PhotoID:    r.PhotoID,
			DocumentID: r.DocumentID,
			Caption:    r.Caption,
		},
		PublishAt:       at,
		Recurrence:      parsed,
		Pin:             r.Pin,
		Notify:          r.Notify,
		DeleteAfterDays: r.DeleteAfterDays,
	}, nil
}

func (s *Service) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := req.candidate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.core.Admit(r.Context(), c)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, "an identical delivery is already scheduled")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusCreated, toResponse(d))
	}
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.core.ListActive(r.Context())
	if err != nil {
		s.log.Error("list deliveries", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	out := make([]deliveryResponse, 0, len(rows))
	for _, d := range rows {
		out = append(out, toResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.core.Cancel(r.Context(), id); err != nil {
		s.log.Error("cancel delivery", logx.Int64("id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishRequest sends immediately, bypassing the schedule. Nothing is
// persisted; recurrence does not apply.
type publishRequest struct {
	ChannelID  int64  `json:"channel_id"`
	Text       string `json:"text,omitempty"`
	PhotoID    string `json:"photo_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Caption    string `json:"caption,omitempty"`
	Pin        bool   `json:"pin,omitempty"`
	Notify     bool   `json:"notify,omitempty"`
}

func (s *Service) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ChannelID == 0 {
		writeError(w, http.StatusBadRequest, "channel_id required")
		return
	}
	d := delivery.ScheduledDelivery{
		ChannelID: req.ChannelID,
		Content: delivery.Content{
			Text:       req.Text,
			PhotoID:    req.PhotoID,
			DocumentID: req.DocumentID,
			Caption:    req.Caption,
		},
		Pin:    req.Pin,
		Notify: req.Notify,
	}
	if err := d.Content.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgID, err := s.pub.Deliver(r.Context(), d)
	if err != nil {
		s.log.Warn("immediate publish failed",
			logx.Int64("channel_id", req.ChannelID), logx.Err(err))
		writeError(w, http.StatusBadGateway, "delivery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": msgID})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.core.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
