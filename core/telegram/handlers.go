package telegram

import (
	"context"

	"github.com/m3rciful/marketbot/core/dispatch"
	tghelpers "github.com/m3rciful/marketbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Dispatcher consumes normalized inbound events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event)
}

// Routes binds text messages and inline button presses to d.
func Routes(d Dispatcher) []Route {
	return []Route{
		{Endpoint: tele.OnText, Handler: TextHandler(d)},
		{Endpoint: tele.OnCallback, Handler: CallbackHandler(d)},
	}
}

// TextHandler turns a private text message into an event.
func TextHandler(d Dispatcher) tele.HandlerFunc {
	return func(c tele.Context) error {
		ev, ok := EventFromText(c)
		if !ok {
			return nil
		}
		d.Dispatch(tghelpers.WithHandler(c, "text"), ev)
		return nil
	}
}

// CallbackHandler acknowledges a button press and turns it into a postback event.
func CallbackHandler(d Dispatcher) tele.HandlerFunc {
	return func(c tele.Context) error {
		// The spinner on the button stops only once the query is answered.
		_ = c.Respond()
		ev, ok := EventFromCallback(c)
		if !ok {
			return nil
		}
		d.Dispatch(tghelpers.WithHandler(c, "callback"), ev)
		return nil
	}
}

// EventFromText builds an event from a private chat message. Group chats and
// anonymous senders are ignored.
func EventFromText(c tele.Context) (dispatch.Event, bool) {
	user := c.Sender()
	if user == nil || user.IsBot {
		return dispatch.Event{}, false
	}
	if chat := c.Chat(); chat != nil && chat.Type != tele.ChatPrivate {
		return dispatch.Event{}, false
	}
	return dispatch.Event{
		ID:     tghelpers.UpdateID(c),
		UserID: tghelpers.SenderID(c),
		Text:   c.Text(),
	}, true
}

// EventFromCallback builds a postback event from an inline button press.
func EventFromCallback(c tele.Context) (dispatch.Event, bool) {
	cb := c.Callback()
	user := c.Sender()
	if cb == nil || user == nil || user.IsBot {
		return dispatch.Event{}, false
	}
	return dispatch.Event{
		ID:         tghelpers.UpdateID(c),
		UserID:     tghelpers.SenderID(c),
		IsPostback: true,
		Payload:    cb.Data,
	}, true
}
