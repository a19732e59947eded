// Package flow runs the multi-step conversations (registration, listings,
// search, payment, community posts, admin access grants) on top of a
// persisted session.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/m3rciful/marketbot/core/postback"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/resilience"
	"github.com/m3rciful/marketbot/core/session"
)

// Postback actions understood by the dispatcher and the flows.
const (
	ActMenu      = "MENU"
	ActHelp      = "HELP"
	ActRegister  = "REGISTER"
	ActSell      = "SELL"
	ActSearch    = "SEARCH"
	ActPay       = "PAY"
	ActCommunity = "COMMUNITY"
	ActSupport   = "SUPPORT"
	ActCancel    = "CANCEL"
	ActListing   = "LISTING"
	ActStep      = "STEP"

	ActClaim   = "CLAIM"
	ActEndChat = "ENDCHAT"
	ActApprove = "APPROVE"
	ActExtend  = "EXTEND"

	ActLocation = "LOCATION"
	ActCategory = "CATEGORY"
	ActPlan     = "PLAN"
	ActConfirm  = "CONFIRM"
	ActPaid     = "PAID"
)

// ErrUnknownFlow is returned by Registry.For for a tag outside the closed set.
var ErrUnknownFlow = errors.New("flow: unknown flow")

// Actor is the user an event came from, as seen by a flow.
type Actor struct {
	UserID  string
	IsAdmin bool
	// User is nil for people who have not registered yet.
	User *repo.User
}

// Registered reports whether the actor has a user record.
func (a Actor) Registered() bool {
	return a.User != nil
}

// Flow is one kind of multi-step conversation.
type Flow interface {
	Tag() session.Tag
	CanHandle(ctx context.Context, a Actor, s *session.Session) bool
	HandleMessage(ctx context.Context, a Actor, text string, s *session.Session) error
	HandlePostback(ctx context.Context, a Actor, p postback.Payload, s *session.Session) error
}

// Augmenter is the optional generation layer used by some steps. Every
// method always returns something usable.
type Augmenter interface {
	SearchSuggestions(ctx context.Context, userID, category, query string) resilience.Result
	ChatReply(ctx context.Context, userID, text string) resilience.Result
	EnhanceDescription(ctx context.Context, userID, title, text string) resilience.Result
}

// Registry holds one instance of every flow.
type Registry struct {
	registration *Registration
	listing      *Listing
	search       *Search
	payment      *Payment
	community    *Community
	admin        *Admin
}

// For returns the flow owning tag.
func (r *Registry) For(tag session.Tag) (Flow, error) {
	switch tag {
	case session.TagRegistration:
		return r.registration, nil
	case session.TagListing:
		return r.listing, nil
	case session.TagSearch:
		return r.search, nil
	case session.TagPayment:
		return r.payment, nil
	case session.TagCommunity:
		return r.community, nil
	case session.TagAdmin:
		return r.admin, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, tag)
	}
}
