package transport

import (
	"context"
	"errors"
)

// Failure classes for a delivery attempt. Anything not matching one of these
// sentinels is treated as transient by the scheduler and retried on its next
// evaluation pass.
var (
	// ErrChannelUnavailable: the channel cannot be reached at all
	// (deleted, bot kicked, chat not found).
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrChannelForbidden: the channel exists but rejects the bot
	// (insufficient rights, blocked).
	ErrChannelForbidden = errors.New("channel forbidden")
)

// IsChannelGone reports whether err means the channel is permanently
// inaccessible and every task targeting it should be suspended.
func IsChannelGone(err error) bool {
	return errors.Is(err, ErrChannelUnavailable) || errors.Is(err, ErrChannelForbidden)
}

// ParseModeMarkdownV2 is the markup mode used for escaped free-form text.
const ParseModeMarkdownV2 = "MarkdownV2"

// SendOptions tunes one send operation.
type SendOptions struct {
	// Silent suppresses the recipient-side notification.
	Silent bool
	// ParseMode names the markup mode of pre-escaped text ("MarkdownV2",
	// "HTML"). Empty sends plain text.
	ParseMode string
}

// Channel is the capability set the core depends on. It is the whole contract
// with the concrete transport: send one content item, pin a delivered item,
// delete a delivered item. Message IDs are opaque to the core beyond being
// handed back to Pin/Delete.
type Channel interface {
	SendText(ctx context.Context, channelID int64, text string, opt SendOptions) (int, error)
	SendPhoto(ctx context.Context, channelID int64, fileID, caption string, opt SendOptions) (int, error)
	SendDocument(ctx context.Context, channelID int64, fileID, caption string, opt SendOptions) (int, error)
	Pin(ctx context.Context, channelID int64, messageID int) error
	Delete(ctx context.Context, channelID int64, messageID int) error
}
