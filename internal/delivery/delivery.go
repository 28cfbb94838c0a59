package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Recurrence is the repeat cadence of a scheduled delivery.
type Recurrence string

const (
	Once    Recurrence = "once"
	Daily   Recurrence = "daily"
	Weekly  Recurrence = "weekly"
	Monthly Recurrence = "monthly"
)

// ParseRecurrence validates a raw cadence string.
func ParseRecurrence(s string) (Recurrence, error) {
	switch Recurrence(strings.ToLower(strings.TrimSpace(s))) {
	case Once:
		return Once, nil
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	default:
		return "", fmt.Errorf("unknown recurrence %q", s)
	}
}

// MaxLifetime is the hard ceiling for recurring deliveries: a row is retired
// once its next occurrence would land past CreatedAt + MaxLifetime.
const MaxLifetime = 365 * 24 * time.Hour

// MaxDeleteAfterDays bounds the deferred post-delivery cleanup window.
const MaxDeleteAfterDays = 3

// ContentKind discriminates the populated content variant.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindPhoto    ContentKind = "photo"
	KindDocument ContentKind = "document"
)

// Content is the payload of one delivery. Exactly one of Text, PhotoID or
// DocumentID is set; Caption applies to the media variants only.
type Content struct {
	Text       string `json:"text,omitempty"`
	PhotoID    string `json:"photo_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Caption    string `json:"caption,omitempty"`
}

// Kind returns the populated variant. Media wins over text so a row with a
// photo and a caption is treated as a photo.
func (c Content) Kind() ContentKind {
	switch {
	case c.PhotoID != "":
		return KindPhoto
	case c.DocumentID != "":
		return KindDocument
	default:
		return KindText
	}
}

// Validate checks that exactly one variant is populated.
func (c Content) Validate() error { return c.validate() }

func (c Content) validate() error {
	set := 0
	if strings.TrimSpace(c.Text) != "" {
		set++
	}
	if c.PhotoID != "" {
		set++
	}
	if c.DocumentID != "" {
		set++
	}
	switch {
	case set == 0:
		return errors.New("content: no variant populated")
	case set > 1:
		return errors.New("content: more than one variant populated")
	}
	if c.Kind() == KindText && c.Caption != "" {
		return errors.New("content: caption is only valid for media")
	}
	return nil
}

// ScheduledDelivery is the sole persisted entity: one content item bound to a
// channel and a (possibly recurring) fire time.
type ScheduledDelivery struct {
	ID        int64
	ChannelID int64
	Content   Content

	// PublishAt is the next (or most recent) fire time, UTC. The recurrence
	// calculator always derives the next slot from this field, never from
	// OriginalPublishAt, which is kept only for display and audit.
	PublishAt         time.Time
	OriginalPublishAt time.Time

	Recurrence Recurrence
	Pin        bool
	Notify     bool

	// DeleteAfterDays is 0 (never) or 1..3: the delivered item is removed
	// from the channel that many days after a successful send.
	DeleteAfterDays int

	Active     bool
	CreatedAt  time.Time
	MaxEndDate time.Time

	Fingerprint string
}

// Candidate is an admission request before the store assigns identity.
type Candidate struct {
	ChannelID       int64
	Content         Content
	PublishAt       time.Time
	Recurrence      Recurrence
	Pin             bool
	Notify          bool
	DeleteAfterDays int
}

// Validate rejects candidates that could never fire correctly.
func (c Candidate) Validate(now time.Time) error {
	if c.ChannelID == 0 {
		return errors.New("channel id required")
	}
	if err := c.Content.validate(); err != nil {
		return err
	}
	if c.PublishAt.IsZero() {
		return errors.New("publish time required")
	}
	if c.PublishAt.Before(now) {
		return errors.New("publish time is in the past")
	}
	if c.PublishAt.After(now.Add(MaxLifetime)) {
		return errors.New("publish time is beyond the scheduling horizon")
	}
	if _, err := ParseRecurrence(string(c.Recurrence)); err != nil {
		return err
	}
	if c.DeleteAfterDays < 0 || c.DeleteAfterDays > MaxDeleteAfterDays {
		return fmt.Errorf("delete_after_days out of range: %d", c.DeleteAfterDays)
	}
	return nil
}

// Materialize turns an admitted candidate into the row the store persists.
// The store assigns ID; everything else is fixed here.
func (c Candidate) Materialize(now time.Time) ScheduledDelivery {
	now = now.UTC()
	at := c.PublishAt.UTC()
	return ScheduledDelivery{
		ChannelID:         c.ChannelID,
		Content:           c.Content,
		PublishAt:         at,
		OriginalPublishAt: at,
		Recurrence:        c.Recurrence,
		Pin:               c.Pin,
		Notify:            c.Notify,
		DeleteAfterDays:   c.DeleteAfterDays,
		Active:            true,
		CreatedAt:         now,
		MaxEndDate:        now.Add(MaxLifetime),
		Fingerprint:       Fingerprint(c.ChannelID, c.Content, at, c.Recurrence),
	}
}

// CheckRow validates a persisted row before it is armed in the timer set.
// A row that fails here is excluded from scheduling (fail closed), never
// allowed to crash the loop.
func (d ScheduledDelivery) CheckRow() error {
	if _, err := ParseRecurrence(string(d.Recurrence)); err != nil {
		return err
	}
	if d.PublishAt.IsZero() {
		return errors.New("corrupted publish time")
	}
	if err := d.Content.validate(); err != nil {
		return err
	}
	return nil
}
