package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/m3rciful/marketbot/core/textnorm"
)

// SQL implements Repository with sqlx. Queries use ? placeholders rebound
// for the connected driver; timestamps are unix milliseconds, 0 meaning unset.
type SQL struct {
	db *sqlx.DB
}

// NewSQL wraps db.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

type userRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Phone       string `db:"phone"`
	Location    string `db:"location"`
	TrialEndsAt int64  `db:"trial_ends_at"`
	PaidUntil   int64  `db:"paid_until"`
	RemindedAt  int64  `db:"reminded_at"`
	CreatedAt   int64  `db:"created_at"`
}

func (r userRow) user() *User {
	return &User{
		ID:          r.ID,
		Name:        r.Name,
		Phone:       r.Phone,
		Location:    r.Location,
		TrialEndsAt: fromMS(r.TrialEndsAt),
		PaidUntil:   fromMS(r.PaidUntil),
		RemindedAt:  fromMS(r.RemindedAt),
		CreatedAt:   fromMS(r.CreatedAt),
	}
}

type listingRow struct {
	ID          string `db:"id"`
	SellerID    string `db:"seller_id"`
	Category    string `db:"category"`
	Title       string `db:"title"`
	Price       int64  `db:"price"`
	Description string `db:"description"`
	Location    string `db:"location"`
	CreatedAt   int64  `db:"created_at"`
}

func (r listingRow) listing() Listing {
	return Listing{
		ID:          r.ID,
		SellerID:    r.SellerID,
		Category:    r.Category,
		Title:       r.Title,
		Price:       r.Price,
		Description: r.Description,
		Location:    r.Location,
		CreatedAt:   fromMS(r.CreatedAt),
	}
}

type paymentRow struct {
	ID         string `db:"id"`
	UserID     string `db:"user_id"`
	Plan       string `db:"plan"`
	Amount     int64  `db:"amount"`
	Days       int    `db:"days"`
	Reference  string `db:"reference"`
	Status     string `db:"status"`
	CreatedAt  int64  `db:"created_at"`
	ApprovedAt int64  `db:"approved_at"`
}

func (r paymentRow) payment() *Payment {
	return &Payment{
		ID:         r.ID,
		UserID:     r.UserID,
		Plan:       r.Plan,
		Amount:     r.Amount,
		Days:       r.Days,
		Reference:  r.Reference,
		Status:     PaymentStatus(r.Status),
		CreatedAt:  fromMS(r.CreatedAt),
		ApprovedAt: fromMS(r.ApprovedAt),
	}
}

type chatRow struct {
	ID            string `db:"id"`
	UserID        string `db:"user_id"`
	AdminID       string `db:"admin_id"`
	Status        string `db:"status"`
	CreatedAt     int64  `db:"created_at"`
	LastMessageAt int64  `db:"last_message_at"`
	EndedAt       int64  `db:"ended_at"`
}

func (r chatRow) chat() *AdminChat {
	return &AdminChat{
		ID:            r.ID,
		UserID:        r.UserID,
		AdminID:       r.AdminID,
		Status:        ChatStatus(r.Status),
		CreatedAt:     fromMS(r.CreatedAt),
		LastMessageAt: fromMS(r.LastMessageAt),
		EndedAt:       fromMS(r.EndedAt),
	}
}

const (
	userColumns    = `id, name, phone, location, trial_ends_at, paid_until, reminded_at, created_at`
	listingColumns = `id, seller_id, category, title, price, description, location, created_at`
	paymentColumns = `id, user_id, plan, amount, days, reference, status, created_at, approved_at`
	chatColumns    = `id, user_id, admin_id, status, created_at, last_message_at, ended_at`
)

func (s *SQL) CreateUser(ctx context.Context, u *User) error {
	if _, err := s.GetUser(ctx, u.ID); err == nil {
		return ErrUserExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	taken, err := s.PhoneTaken(ctx, u.Phone)
	if err != nil {
		return err
	}
	if taken {
		return ErrDuplicatePhone
	}
	q := s.db.Rebind(`INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q, u.ID, u.Name, u.Phone, u.Location,
		toMS(u.TrialEndsAt), toMS(u.PaidUntil), toMS(u.RemindedAt), toMS(u.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicatePhone
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQL) GetUser(ctx context.Context, id string) (*User, error) {
	var row userRow
	q := s.db.Rebind(`SELECT ` + userColumns + ` FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		return nil, notFound("get user", err)
	}
	return row.user(), nil
}

func (s *SQL) PhoneTaken(ctx context.Context, phone string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM users WHERE phone = ?`), phone); err != nil {
		return false, fmt.Errorf("phone lookup: %w", err)
	}
	return n > 0, nil
}

func (s *SQL) ExtendAccess(ctx context.Context, userID string, days int, now time.Time) (time.Time, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	until := extendFrom(*u, days, now)
	q := s.db.Rebind(`UPDATE users SET paid_until = ?, reminded_at = 0 WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, q, toMS(until), userID); err != nil {
		return time.Time{}, fmt.Errorf("extend access: %w", err)
	}
	return until, nil
}

func (s *SQL) MarkReminded(ctx context.Context, userID string, at time.Time) error {
	return s.execOne(ctx, "mark reminded", `UPDATE users SET reminded_at = ? WHERE id = ?`, toMS(at), userID)
}

func (s *SQL) CreateListing(ctx context.Context, l *Listing) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	q := s.db.Rebind(`INSERT INTO listings (` + listingColumns + `, search_text) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, l.ID, l.SellerID, l.Category, l.Title, l.Price,
		l.Description, l.Location, toMS(l.CreatedAt), searchText(*l))
	if err != nil {
		return fmt.Errorf("create listing: %w", err)
	}
	return nil
}

func (s *SQL) GetListing(ctx context.Context, id string) (*Listing, error) {
	var row listingRow
	q := s.db.Rebind(`SELECT ` + listingColumns + ` FROM listings WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		return nil, notFound("get listing", err)
	}
	l := row.listing()
	return &l, nil
}

func (s *SQL) SearchListings(ctx context.Context, q ListingQuery) ([]Listing, error) {
	category := q.Category
	if allCategories(category) {
		category = ""
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	pattern := "%" + escapeLike(textnorm.Plain(q.Keyword)) + "%"
	query := s.db.Rebind(`SELECT ` + listingColumns + ` FROM listings
		WHERE (? = '' OR category = ?) AND search_text LIKE ? ESCAPE '\'
		ORDER BY created_at DESC LIMIT ?`)
	var rows []listingRow
	if err := s.db.SelectContext(ctx, &rows, query, category, category, pattern, limit); err != nil {
		return nil, fmt.Errorf("search listings: %w", err)
	}
	out := make([]Listing, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.listing())
	}
	return out, nil
}

func (s *SQL) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	q := s.db.Rebind(`INSERT INTO payments (` + paymentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, p.ID, p.UserID, p.Plan, p.Amount, p.Days, p.Reference,
		string(p.Status), toMS(p.CreatedAt), toMS(p.ApprovedAt))
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// ApprovePayment marks the payment approved and extends the payer's access in
// one transaction.
func (s *SQL) ApprovePayment(ctx context.Context, id string, now time.Time) (*Payment, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approve payment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row paymentRow
	if err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id); err != nil {
		return nil, notFound("approve payment", err)
	}
	p := row.payment()
	if p.Status == PaymentApproved {
		return p, ErrPaymentSettled
	}

	// only the approver that flips the status extends access
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE payments SET status = ?, approved_at = ? WHERE id = ? AND status = ?`),
		string(PaymentApproved), toMS(now), id, string(PaymentPending))
	if err != nil {
		return nil, fmt.Errorf("approve payment: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("approve payment: %w", err)
	} else if n == 0 {
		p.Status = PaymentApproved
		return p, ErrPaymentSettled
	}

	var urow userRow
	if err := tx.GetContext(ctx, &urow, tx.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), p.UserID); err != nil {
		return nil, notFound("approve payment", err)
	}
	until := extendFrom(*urow.user(), p.Days, now)
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE users SET paid_until = ?, reminded_at = 0 WHERE id = ?`), toMS(until), p.UserID); err != nil {
		return nil, fmt.Errorf("approve payment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approve payment: %w", err)
	}
	p.Status = PaymentApproved
	p.ApprovedAt = now
	return p, nil
}

func (s *SQL) CreatePost(ctx context.Context, p *CommunityPost) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	q := s.db.Rebind(`INSERT INTO community_posts (id, user_id, topic, body, suggested_reply, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, p.ID, p.UserID, p.Topic, p.Body, p.SuggestedReply, toMS(p.CreatedAt)); err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

// OpenChat closes any open chat of the user and starts a waiting one.
func (s *SQL) OpenChat(ctx context.Context, userID string, now time.Time) (*AdminChat, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("open chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE admin_chats SET status = ?, ended_at = ? WHERE user_id = ? AND status <> ?`),
		string(ChatClosed), toMS(now), userID, string(ChatClosed)); err != nil {
		return nil, fmt.Errorf("open chat: %w", err)
	}
	c := &AdminChat{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        ChatWaiting,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	q := tx.Rebind(`INSERT INTO admin_chats (` + chatColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, q, c.ID, c.UserID, c.AdminID, string(c.Status), toMS(now), toMS(now), 0); err != nil {
		return nil, fmt.Errorf("open chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("open chat: %w", err)
	}
	return c, nil
}

func (s *SQL) ClaimChat(ctx context.Context, userID, adminID string, now time.Time) (*AdminChat, error) {
	c, err := s.OpenChatForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	q := `UPDATE admin_chats SET admin_id = ?, status = ?, last_message_at = ?
		WHERE id = ? AND (status = ? OR admin_id = ?)`
	err = s.execOne(ctx, "claim chat", q, adminID, string(ChatActive), toMS(now), c.ID, string(ChatWaiting), adminID)
	if errors.Is(err, ErrNotFound) {
		if cur, lerr := s.OpenChatForUser(ctx, userID); lerr == nil && cur != nil && cur.ID == c.ID {
			return cur, ErrChatTaken
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.AdminID = adminID
	c.Status = ChatActive
	c.LastMessageAt = now
	return c, nil
}

func (s *SQL) OpenChatForUser(ctx context.Context, userID string) (*AdminChat, error) {
	q := s.db.Rebind(`SELECT ` + chatColumns + ` FROM admin_chats WHERE user_id = ? AND status <> ?`)
	return s.oneChat(ctx, q, userID, string(ChatClosed))
}

func (s *SQL) ActiveChatForAdmin(ctx context.Context, adminID string) (*AdminChat, error) {
	q := s.db.Rebind(`SELECT ` + chatColumns + ` FROM admin_chats
		WHERE admin_id = ? AND status = ? ORDER BY last_message_at DESC LIMIT 1`)
	return s.oneChat(ctx, q, adminID, string(ChatActive))
}

func (s *SQL) TouchChat(ctx context.Context, id string, now time.Time) error {
	return s.execOne(ctx, "touch chat", `UPDATE admin_chats SET last_message_at = ? WHERE id = ?`, toMS(now), id)
}

func (s *SQL) CloseChat(ctx context.Context, id string, now time.Time) error {
	return s.execOne(ctx, "close chat", `UPDATE admin_chats SET status = ?, ended_at = ? WHERE id = ?`,
		string(ChatClosed), toMS(now), id)
}

func (s *SQL) oneChat(ctx context.Context, q string, args ...any) (*AdminChat, error) {
	var row chatRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("chat lookup: %w", err)
	}
	return row.chat(), nil
}

// execOne runs an update that must touch exactly one row.
func (s *SQL) execOne(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
