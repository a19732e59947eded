// Package gateway defines the outbound messaging primitives used by flows and
// the dispatcher.
package gateway

import (
	"context"

	"github.com/m3rciful/marketbot/core/postback"
)

// Option is one selectable button. Payload is sent back verbatim as the
// postback of the user's choice.
type Option struct {
	Label   string
	Payload postback.Payload
}

// Gateway sends messages to a platform user.
type Gateway interface {
	SendText(ctx context.Context, userID, text string) error
	SendOptions(ctx context.Context, userID, text string, options []Option) error
	SendTyping(ctx context.Context, userID string) error
}

// Opt is shorthand for building an option.
func Opt(label, action string, params ...string) Option {
	return Option{Label: label, Payload: postback.New(action, params...)}
}
