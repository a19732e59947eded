package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/logger"
	tgsender "github.com/m3rciful/marketbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

const (
	// maxCallbackData is Telegram's limit for inline button payloads, in bytes.
	maxCallbackData = 64
	// maxMessageRunes is Telegram's limit for a single text message.
	maxMessageRunes = 4096
	// shortLabelRunes lets short options share a keyboard row.
	shortLabelRunes = 14
)

// ErrCallbackTooLong reports an option payload that Telegram would reject.
var ErrCallbackTooLong = errors.New("telegram: callback data exceeds 64 bytes")

// API is the subset of *tele.Bot used for outbound delivery.
type API interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Notify(to tele.Recipient, action tele.ChatAction, threadID ...int) error
}

// Gateway delivers conversation output through the Bot API. When a sender is
// configured calls are queued per chat; otherwise they run inline.
type Gateway struct {
	api API
	out *tgsender.Dispatcher
}

// NewGateway wraps api. out may be nil.
func NewGateway(api API, out *tgsender.Dispatcher) *Gateway {
	return &Gateway{api: api, out: out}
}

func (g *Gateway) SendText(ctx context.Context, userID, text string) error {
	return g.SendOptions(ctx, userID, text, nil)
}

func (g *Gateway) SendOptions(ctx context.Context, userID, text string, options []gateway.Option) error {
	chat, err := recipient(userID)
	if err != nil {
		return err
	}
	markup, err := Keyboard(options)
	if err != nil {
		return err
	}

	chunks := SplitText(text, maxMessageRunes)
	return g.deliver(ctx, userID, "send.text", "sendMessage", func() error {
		for i, chunk := range chunks {
			opts := &tele.SendOptions{}
			if i == len(chunks)-1 && markup != nil {
				opts.ReplyMarkup = markup
			}
			if _, err := g.api.Send(chat, chunk, opts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *Gateway) SendTyping(ctx context.Context, userID string) error {
	chat, err := recipient(userID)
	if err != nil {
		return err
	}
	return g.deliver(ctx, userID, "send.typing", "sendChatAction", func() error {
		return g.api.Notify(chat, tele.Typing)
	})
}

func (g *Gateway) deliver(ctx context.Context, key, action, endpoint string, run func() error) error {
	if g.out == nil {
		return run()
	}
	err := g.out.Enqueue(ctx, key, action, endpoint, run)
	if errors.Is(err, tgsender.ErrQueueFull) || errors.Is(err, tgsender.ErrQueueClosed) {
		logger.Warn(ctx, "tg.sender", "queue.fallback",
			slog.String("action", action),
			slog.String("endpoint", endpoint),
			logger.Err(err),
		)
		return run()
	}
	return err
}

func recipient(userID string) (tele.ChatID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q: %w", userID, err)
	}
	return tele.ChatID(id), nil
}

// Keyboard renders options as an inline keyboard. Short labels are paired two
// per row, long ones get a row of their own. Nil options yield a nil markup.
func Keyboard(options []gateway.Option) (*tele.ReplyMarkup, error) {
	if len(options) == 0 {
		return nil, nil
	}
	var (
		rows [][]tele.InlineButton
		row  []tele.InlineButton
	)
	for _, opt := range options {
		data := opt.Payload.Encode()
		if len(data) > maxCallbackData {
			return nil, fmt.Errorf("%w: %q", ErrCallbackTooLong, data)
		}
		btn := tele.InlineButton{Text: opt.Label, Data: data}
		if utf8.RuneCountInString(opt.Label) > shortLabelRunes {
			if len(row) > 0 {
				rows = append(rows, row)
				row = nil
			}
			rows = append(rows, []tele.InlineButton{btn})
			continue
		}
		row = append(row, btn)
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}, nil
}

// SplitText cuts text into pieces of at most limit runes, preferring line breaks.
func SplitText(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
