package delivery

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// Fingerprint returns a stable digest over everything that makes two
// admissions "the same post": channel, content, fire time and cadence.
// Admission rejects a candidate whose fingerprint matches an active row.
//
// The digest hashes canonical JSON so field order and formatting cannot
// change the result. fnv-64a is plenty at human-authored volumes.
func Fingerprint(channelID int64, c Content, publishAt time.Time, rec Recurrence) string {
	payload := struct {
		ChannelID  int64      `json:"channel_id"`
		Content    Content    `json:"content"`
		PublishAt  string     `json:"publish_at"`
		Recurrence Recurrence `json:"recurrence"`
	}{
		ChannelID:  channelID,
		Content:    c,
		PublishAt:  publishAt.UTC().Format(time.RFC3339),
		Recurrence: rec,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		// Content is plain strings and ints; this cannot fail in practice.
		b = []byte(fmt.Sprintf("%d|%v|%s|%s", channelID, c, payload.PublishAt, rec))
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}
