package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Config struct {
	Token string
	// Timeout bounds each Bot API call.
	Timeout time.Duration
	// Offline skips the getMe probe at construction (tests).
	Offline bool
}

// Adapter implements transport.Channel on top of the Telegram Bot API.
// It is outbound-only: the admission front-ends live elsewhere and this
// process never long-polls for updates.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) SendText(ctx context.Context, channelID int64, text string, opt transport.SendOptions) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: channelID}, text, sendOptions(opt))
	if err != nil {
		return 0, classify(err)
	}
	return msg.ID, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, channelID int64, fileID, caption string, opt transport.SendOptions) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	photo := &tele.Photo{File: tele.File{FileID: fileID}, Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: channelID}, photo, sendOptions(opt))
	if err != nil {
		return 0, classify(err)
	}
	return msg.ID, nil
}

func (a *Adapter) SendDocument(ctx context.Context, channelID int64, fileID, caption string, opt transport.SendOptions) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	doc := &tele.Document{File: tele.File{FileID: fileID}, Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: channelID}, doc, sendOptions(opt))
	if err != nil {
		return 0, classify(err)
	}
	return msg.ID, nil
}

func (a *Adapter) Pin(ctx context.Context, channelID int64, messageID int) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	ref := tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: channelID}
	// Pins are always silent; the send itself already notified if requested.
	if err := a.bot.Pin(ref, tele.Silent); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, channelID int64, messageID int) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	ref := tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: channelID}
	if err := a.bot.Delete(ref); err != nil {
		return classify(err)
	}
	return nil
}

// SendPlainText satisfies logx.Sender so the operator-channel log sink can
// reuse this adapter without importing it.
func (a *Adapter) SendPlainText(ctx context.Context, channelID int64, text string, silent bool) (int, error) {
	return a.SendText(ctx, channelID, text, transport.SendOptions{Silent: silent})
}

func sendOptions(opt transport.SendOptions) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:           opt.ParseMode,
		DisableNotification: opt.Silent,
	}
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// classify maps Bot API failures onto the transport failure classes. 401/403
// mean the bot has no business in that chat anymore; "chat not found" style
// 400s mean the chat itself is gone. Everything else stays as-is and is
// treated as transient upstream.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 401, 403:
			return fmt.Errorf("%w: %s", transport.ErrChannelForbidden, te.Description)
		case 400:
			d := strings.ToLower(te.Description)
			if strings.Contains(d, "chat not found") ||
				strings.Contains(d, "peer_id_invalid") ||
				strings.Contains(d, "group chat was upgraded") {
				return fmt.Errorf("%w: %s", transport.ErrChannelUnavailable, te.Description)
			}
			if strings.Contains(d, "not enough rights") {
				return fmt.Errorf("%w: %s", transport.ErrChannelForbidden, te.Description)
			}
		}
	}
	return err
}
