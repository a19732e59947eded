// Package session persists in-progress conversation flows keyed by user.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Tag identifies a conversation flow.
type Tag string

// Flow tags. The set is closed; Valid rejects anything else.
const (
	TagRegistration Tag = "registration"
	TagListing      Tag = "listing"
	TagSearch       Tag = "search"
	TagPayment      Tag = "payment"
	TagCommunity    Tag = "community"
	TagAdmin        Tag = "admin"
)

// Tags lists every known flow tag.
func Tags() []Tag {
	return []Tag{TagRegistration, TagListing, TagSearch, TagPayment, TagCommunity, TagAdmin}
}

// Valid reports whether t belongs to the known flow set.
func (t Tag) Valid() bool {
	switch t {
	case TagRegistration, TagListing, TagSearch, TagPayment, TagCommunity, TagAdmin:
		return true
	}
	return false
}

var (
	// ErrExists is returned by Store.Create when the user already owns a live session.
	ErrExists = errors.New("session: already exists")
	// ErrCorrupt marks a stored session that cannot be decoded.
	ErrCorrupt = errors.New("session: corrupt record")
)

// Session ties a user to the current step of one flow.
type Session struct {
	UserID    string
	Flow      Tag
	Step      int
	Data      map[string]string
	StartedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// New returns a session at step 0 with empty data.
func New(userID string, flow Tag, now time.Time, ttl time.Duration) *Session {
	return &Session{
		UserID:    userID,
		Flow:      flow,
		Data:      make(map[string]string),
		StartedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the session must be treated as absent at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Touch bumps the update time and slides the expiry window.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(ttl)
}

// Get returns a data field or "".
func (s *Session) Get(key string) string {
	if s.Data == nil {
		return ""
	}
	return s.Data[key]
}

// Merge copies fields into the session data.
func (s *Session) Merge(fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	if s.Data == nil {
		s.Data = make(map[string]string, len(fields))
	}
	maps.Copy(s.Data, fields)
}

// String renders flow:step for log attributes.
func (s *Session) String() string {
	if s == nil {
		return "<nil>"
	}
	return string(s.Flow) + ":" + strconv.Itoa(s.Step)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Data = maps.Clone(s.Data)
	if c.Data == nil {
		c.Data = make(map[string]string)
	}
	return &c
}

// Store reads and writes sessions. Get returns (nil, nil) when the user has
// no live session; expired sessions are deleted on read.
type Store interface {
	Get(ctx context.Context, userID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Create(ctx context.Context, s *Session) error
	Delete(ctx context.Context, userID string) error
}

// ParseStep decodes a stored step. The canonical form is a bare ordinal;
// "<flow>:<n>" and "step_<n>" are accepted from older records.
func ParseStep(flow Tag, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, string(flow)+":"); ok && flow != "" {
		raw = rest
	} else if rest, ok := strings.CutPrefix(raw, "step_"); ok {
		raw = rest
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: step %q", ErrCorrupt, raw)
	}
	return n, nil
}

// FormatStep renders the canonical step form.
func FormatStep(step int) string {
	return strconv.Itoa(step)
}
