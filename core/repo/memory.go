package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/marketbot/core/textnorm"
)

// Memory is an in-process Repository for tests and development.
type Memory struct {
	mu       sync.Mutex
	users    map[string]User
	listings map[string]Listing
	payments map[string]Payment
	posts    map[string]CommunityPost
	chats    map[string]AdminChat

	// Fail, when set, is returned by every write. Tests use it to simulate
	// an unavailable database.
	Fail error
}

// NewMemory constructs an empty repository.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]User),
		listings: make(map[string]Listing),
		payments: make(map[string]Payment),
		posts:    make(map[string]CommunityPost),
		chats:    make(map[string]AdminChat),
	}
}

// SetFail installs or clears the write failure.
func (m *Memory) SetFail(err error) {
	m.mu.Lock()
	m.Fail = err
	m.mu.Unlock()
}

func (m *Memory) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if _, ok := m.users[u.ID]; ok {
		return ErrUserExists
	}
	for _, other := range m.users {
		if other.Phone == u.Phone {
			return ErrDuplicatePhone
		}
	}
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) PhoneTaken(_ context.Context, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Phone == phone {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ExtendAccess(_ context.Context, userID string, days int, now time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return time.Time{}, m.Fail
	}
	return m.extendLocked(userID, days, now)
}

func (m *Memory) extendLocked(userID string, days int, now time.Time) (time.Time, error) {
	u, ok := m.users[userID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	u.PaidUntil = extendFrom(u, days, now)
	u.RemindedAt = time.Time{}
	m.users[userID] = u
	return u.PaidUntil, nil
}

func (m *Memory) MarkReminded(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.RemindedAt = at
	m.users[userID] = u
	return nil
}

func (m *Memory) CreateListing(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	m.listings[l.ID] = *l
	return nil
}

func (m *Memory) GetListing(_ context.Context, id string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (m *Memory) SearchListings(_ context.Context, q ListingQuery) ([]Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kw := textnorm.Plain(q.Keyword)
	var out []Listing
	for _, l := range m.listings {
		if !allCategories(q.Category) && l.Category != q.Category {
			continue
		}
		if kw != "" && !strings.Contains(searchText(l), kw) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.payments[p.ID] = *p
	return nil
}

func (m *Memory) ApprovePayment(_ context.Context, id string, now time.Time) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status == PaymentApproved {
		return &p, ErrPaymentSettled
	}
	if _, err := m.extendLocked(p.UserID, p.Days, now); err != nil {
		return nil, err
	}
	p.Status = PaymentApproved
	p.ApprovedAt = now
	m.payments[id] = p
	return &p, nil
}

func (m *Memory) CreatePost(_ context.Context, p *CommunityPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.posts[p.ID] = *p
	return nil
}

// Posts returns every stored community post.
func (m *Memory) Posts() []CommunityPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommunityPost, 0, len(m.posts))
	for _, p := range m.posts {
		out = append(out, p)
	}
	return out
}

// Payments returns every stored payment.
func (m *Memory) Payments() []Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, p)
	}
	return out
}

func (m *Memory) OpenChat(_ context.Context, userID string, now time.Time) (*AdminChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	for id, c := range m.chats {
		if c.UserID == userID && c.Open() {
			c.Status = ChatClosed
			c.EndedAt = now
			m.chats[id] = c
		}
	}
	c := AdminChat{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        ChatWaiting,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	m.chats[c.ID] = c
	return &c, nil
}

func (m *Memory) ClaimChat(_ context.Context, userID, adminID string, now time.Time) (*AdminChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	c, ok := m.openForUserLocked(userID)
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status == ChatActive && c.AdminID != adminID {
		return &c, ErrChatTaken
	}
	c.AdminID = adminID
	c.Status = ChatActive
	c.LastMessageAt = now
	m.chats[c.ID] = c
	return &c, nil
}

func (m *Memory) OpenChatForUser(_ context.Context, userID string) (*AdminChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.openForUserLocked(userID); ok {
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) openForUserLocked(userID string) (AdminChat, bool) {
	for _, c := range m.chats {
		if c.UserID == userID && c.Open() {
			return c, true
		}
	}
	return AdminChat{}, false
}

func (m *Memory) ActiveChatForAdmin(_ context.Context, adminID string) (*AdminChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *AdminChat
	for _, c := range m.chats {
		if c.AdminID != adminID || c.Status != ChatActive {
			continue
		}
		if best == nil || c.LastMessageAt.After(best.LastMessageAt) {
			cc := c
			best = &cc
		}
	}
	return best, nil
}

func (m *Memory) TouchChat(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageAt = now
	m.chats[id] = c
	return nil
}

func (m *Memory) CloseChat(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	c, ok := m.chats[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = ChatClosed
	c.EndedAt = now
	m.chats[id] = c
	return nil
}

func searchText(l Listing) string {
	return textnorm.Plain(l.Title + " " + l.Description)
}
