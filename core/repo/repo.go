// Package repo stores the marketplace domain records produced by flows.
package repo

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("repo: not found")
	// ErrDuplicatePhone is returned when another user registered the phone.
	ErrDuplicatePhone = errors.New("repo: phone already registered")
	// ErrUserExists is returned when the user id is already registered.
	ErrUserExists = errors.New("repo: user already registered")
	// ErrPaymentSettled is returned when approving a payment twice.
	ErrPaymentSettled = errors.New("repo: payment already approved")
	// ErrChatTaken is returned when another admin already claimed the chat.
	ErrChatTaken = errors.New("repo: chat claimed by another admin")
)

// User is a registered marketplace member.
type User struct {
	ID          string
	Name        string
	Phone       string
	Location    string
	TrialEndsAt time.Time
	PaidUntil   time.Time
	RemindedAt  time.Time
	CreatedAt   time.Time
}

// AccessUntil returns the end of the user's access window: the later of the
// trial end and the paid period.
func (u User) AccessUntil() time.Time {
	if u.PaidUntil.After(u.TrialEndsAt) {
		return u.PaidUntil
	}
	return u.TrialEndsAt
}

// Listing is an item offered for sale.
type Listing struct {
	ID          string
	SellerID    string
	Category    string
	Title       string
	Price       int64
	Description string
	Location    string
	CreatedAt   time.Time
}

// ListingQuery filters SearchListings. Empty Category or "all" matches every
// category; Keyword is matched without diacritics against title and description.
type ListingQuery struct {
	Category string
	Keyword  string
	Limit    int
}

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
)

// Payment is a bank-transfer purchase of access days awaiting admin review.
type Payment struct {
	ID         string
	UserID     string
	Plan       string
	Amount     int64
	Days       int
	Reference  string
	Status     PaymentStatus
	CreatedAt  time.Time
	ApprovedAt time.Time
}

// CommunityPost is a question or story shared with other members.
type CommunityPost struct {
	ID             string
	UserID         string
	Topic          string
	Body           string
	SuggestedReply string
	CreatedAt      time.Time
}

// ChatStatus is the state of a human-handoff chat.
type ChatStatus string

const (
	ChatWaiting ChatStatus = "waiting"
	ChatActive  ChatStatus = "active"
	ChatClosed  ChatStatus = "closed"
)

// AdminChat links one user with the admin handling their support request.
type AdminChat struct {
	ID            string
	UserID        string
	AdminID       string
	Status        ChatStatus
	CreatedAt     time.Time
	LastMessageAt time.Time
	EndedAt       time.Time
}

// Open reports whether the chat still routes messages.
func (c AdminChat) Open() bool {
	return c.Status == ChatWaiting || c.Status == ChatActive
}

// Repository is the persistence collaborator used by flows and the dispatcher.
// Lookups that find nothing return ErrNotFound, except the chat lookups which
// return (nil, nil) because "no chat" is the common case.
type Repository interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	PhoneTaken(ctx context.Context, phone string) (bool, error)
	ExtendAccess(ctx context.Context, userID string, days int, now time.Time) (time.Time, error)
	MarkReminded(ctx context.Context, userID string, at time.Time) error

	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	SearchListings(ctx context.Context, q ListingQuery) ([]Listing, error)

	CreatePayment(ctx context.Context, p *Payment) error
	ApprovePayment(ctx context.Context, id string, now time.Time) (*Payment, error)

	CreatePost(ctx context.Context, p *CommunityPost) error

	OpenChat(ctx context.Context, userID string, now time.Time) (*AdminChat, error)
	ClaimChat(ctx context.Context, userID, adminID string, now time.Time) (*AdminChat, error)
	OpenChatForUser(ctx context.Context, userID string) (*AdminChat, error)
	ActiveChatForAdmin(ctx context.Context, adminID string) (*AdminChat, error)
	TouchChat(ctx context.Context, id string, now time.Time) error
	CloseChat(ctx context.Context, id string, now time.Time) error
}

// DefaultSearchLimit caps search results when the query sets no limit.
const DefaultSearchLimit = 5

// extendFrom returns the new paid-until after adding days to the user's
// access, counting from now when access already lapsed.
func extendFrom(u User, days int, now time.Time) time.Time {
	base := u.AccessUntil()
	if base.Before(now) {
		base = now
	}
	return base.AddDate(0, 0, days)
}

func allCategories(c string) bool {
	return c == "" || c == "all"
}

// FormatVND renders an amount with dot grouping, e.g. 1500000 -> "1.500.000đ".
func FormatVND(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	digits := []byte(strconv.FormatInt(v, 10))
	var out []byte
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			out = append(out, '.')
		}
		out = append(out, d)
	}
	if neg {
		return "-" + string(out) + "đ"
	}
	return string(out) + "đ"
}

// Summary is the one-line rendering used in search results.
func (l Listing) Summary() string {
	s := l.Title + " - " + FormatVND(l.Price)
	if l.Location != "" {
		s += " (" + l.Location + ")"
	}
	return s
}
