package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/postback"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/session"
)

// Listing publishes an item for sale.
type Listing struct {
	*script
}

func newListing(e *Engine) *Listing {
	f := &Listing{}
	f.script = &script{
		e:      e,
		tag:    session.TagListing,
		denied: "Bạn cần đăng ký tài khoản trước khi đăng tin.",
		steps: []step{
			{ask: askChoice("📂 Chọn danh mục cho tin đăng:", ActCategory, categories), choice: f.category},
			{ask: askText("✏️ Tiêu đề tin đăng? (ít nhất 5 ký tự)"), text: f.title},
			{ask: askText("💰 Giá bán? (ví dụ: 1.500.000, 250k, 1.5tr)"), text: f.price},
			{ask: askText("📝 Mô tả sản phẩm? (ít nhất 10 ký tự)"), text: f.description},
			{ask: askChoice("📍 Khu vực giao dịch?", ActLocation, locations), choice: f.location},
			{ask: f.confirmPrompt, choice: f.confirm},
		},
		finish: f.finish,
	}
	return f
}

// CanHandle admits registered users.
func (f *Listing) CanHandle(_ context.Context, a Actor, _ *session.Session) bool {
	return a.Registered()
}

func (f *Listing) category(_ context.Context, _ Actor, p postback.Payload, _ *session.Session) (map[string]string, error) {
	if _, ok := lookup(categories, p.Param(0)); !p.Is(ActCategory) || !ok {
		return nil, invalid(MsgChoose)
	}
	return map[string]string{"category": p.Param(0)}, nil
}

func (f *Listing) title(_ context.Context, _ Actor, in string, _ *session.Session) (map[string]string, error) {
	if !lengthBetween(in, 5, 100) {
		return nil, invalid("Tiêu đề cần từ 5 đến 100 ký tự.")
	}
	return map[string]string{"title": strings.TrimSpace(in)}, nil
}

func (f *Listing) price(_ context.Context, _ Actor, in string, _ *session.Session) (map[string]string, error) {
	v, err := ParsePrice(in)
	if err != nil {
		return nil, invalid("Giá không hợp lệ. Ví dụ hợp lệ: 1.500.000, 250k, 1.5tr.")
	}
	return map[string]string{"price": strconv.FormatInt(v, 10)}, nil
}

func (f *Listing) description(ctx context.Context, a Actor, in string, s *session.Session) (map[string]string, error) {
	if !lengthBetween(in, 10, 2000) {
		return nil, invalid("Mô tả cần từ 10 đến 2000 ký tự.")
	}
	text := strings.TrimSpace(in)
	fields := map[string]string{"description": text}
	if f.e.d.Augment != nil {
		_ = f.e.d.Gateway.SendTyping(ctx, a.UserID)
		if res := f.e.d.Augment.EnhanceDescription(ctx, a.UserID, s.Get("title"), text); strings.TrimSpace(res.Text) != "" {
			fields["enhanced"] = strings.TrimSpace(res.Text)
		}
	}
	return fields, nil
}

func (f *Listing) location(_ context.Context, _ Actor, p postback.Payload, _ *session.Session) (map[string]string, error) {
	if _, ok := lookup(locations, p.Param(0)); !p.Is(ActLocation) || !ok {
		return nil, invalid(MsgChoose)
	}
	return map[string]string{"location": p.Param(0)}, nil
}

// finalDescription prefers the enhanced text when one was produced.
func finalDescription(s *session.Session) string {
	if d := s.Get("enhanced"); d != "" {
		return d
	}
	return s.Get("description")
}

func (f *Listing) confirmPrompt(_ context.Context, _ Actor, s *session.Session) (string, []gateway.Option) {
	price, _ := strconv.ParseInt(s.Get("price"), 10, 64)
	text := fmt.Sprintf("Xem lại tin đăng:\n📂 %s\n✏️ %s\n💰 %s\n📍 %s\n\n%s",
		label(categories, s.Get("category")),
		s.Get("title"),
		repo.FormatVND(price),
		label(locations, s.Get("location")),
		finalDescription(s),
	)
	return text, []gateway.Option{
		gateway.Opt("✅ Đăng tin", ActConfirm),
		gateway.Opt("✏️ Sửa danh mục", ActStep, "0"),
		gateway.Opt("✏️ Sửa tiêu đề", ActStep, "1"),
		gateway.Opt("✏️ Sửa giá", ActStep, "2"),
		gateway.Opt("✏️ Sửa mô tả", ActStep, "3"),
		cancelOption(),
	}
}

func (f *Listing) finish(ctx context.Context, a Actor, s *session.Session) (string, []gateway.Option, error) {
	price, err := strconv.ParseInt(s.Get("price"), 10, 64)
	if err != nil {
		return "", nil, fmt.Errorf("stored price %q: %w", s.Get("price"), session.ErrCorrupt)
	}
	l := &repo.Listing{
		SellerID:    a.UserID,
		Category:    s.Get("category"),
		Title:       s.Get("title"),
		Price:       price,
		Description: finalDescription(s),
		Location:    label(locations, s.Get("location")),
		CreatedAt:   f.e.d.Now(),
	}
	if err := f.e.d.Repo.CreateListing(ctx, l); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("✅ Đã đăng tin: %s", l.Summary()), []gateway.Option{
		gateway.Opt("👀 Xem tin", ActListing, l.ID),
		gateway.Opt("📝 Đăng tin khác", ActSell),
		menuOption(),
	}, nil
}
