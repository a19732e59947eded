package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/postback"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/session"
)

// Registration signs up a new user: name, phone, location, confirm.
type Registration struct {
	*script
}

func newRegistration(e *Engine) *Registration {
	f := &Registration{}
	f.script = &script{
		e:      e,
		tag:    session.TagRegistration,
		denied: "Bạn đã đăng ký tài khoản rồi.",
		steps: []step{
			{ask: askText("👋 Chào mừng! Bạn tên là gì?"), text: f.name},
			{ask: askText("📞 Số điện thoại của bạn? (dạng 0912345678 hoặc +84912345678)"), text: f.phone},
			{ask: askChoice("📍 Bạn ở khu vực nào?", ActLocation, locations), choice: f.location},
			{ask: f.confirmPrompt, choice: f.confirm},
		},
		finish: f.finish,
	}
	return f
}

// CanHandle admits people without a user record.
func (f *Registration) CanHandle(_ context.Context, a Actor, _ *session.Session) bool {
	return !a.Registered()
}

func (f *Registration) name(_ context.Context, _ Actor, in string, _ *session.Session) (map[string]string, error) {
	if !lengthBetween(in, 2, 64) {
		return nil, invalid("Tên cần từ 2 đến 64 ký tự.")
	}
	return map[string]string{"name": strings.TrimSpace(in)}, nil
}

func (f *Registration) phone(ctx context.Context, _ Actor, in string, _ *session.Session) (map[string]string, error) {
	phone, ok := NormalizePhone(in)
	if !ok {
		return nil, invalid("Số điện thoại không hợp lệ.")
	}
	taken, err := f.e.d.Repo.PhoneTaken(ctx, phone)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, invalid("Số điện thoại này đã được đăng ký.")
	}
	return map[string]string{"phone": phone}, nil
}

func (f *Registration) location(_ context.Context, _ Actor, p postback.Payload, _ *session.Session) (map[string]string, error) {
	if !p.Is(ActLocation) {
		return nil, invalid(MsgChoose)
	}
	if _, ok := lookup(locations, p.Param(0)); !ok {
		return nil, invalid(MsgChoose)
	}
	return map[string]string{"location": p.Param(0)}, nil
}

func (f *Registration) confirmPrompt(_ context.Context, _ Actor, s *session.Session) (string, []gateway.Option) {
	text := fmt.Sprintf("Xác nhận thông tin:\n👤 %s\n📞 %s\n📍 %s",
		s.Get("name"), s.Get("phone"), label(locations, s.Get("location")))
	return text, []gateway.Option{
		gateway.Opt("✅ Xác nhận", ActConfirm),
		gateway.Opt("✏️ Sửa tên", ActStep, "0"),
		gateway.Opt("✏️ Sửa SĐT", ActStep, "1"),
		gateway.Opt("✏️ Sửa khu vực", ActStep, "2"),
		cancelOption(),
	}
}

func (f *Registration) finish(ctx context.Context, a Actor, s *session.Session) (string, []gateway.Option, error) {
	now := f.e.d.Now()
	u := &repo.User{
		ID:          a.UserID,
		Name:        s.Get("name"),
		Phone:       s.Get("phone"),
		Location:    label(locations, s.Get("location")),
		TrialEndsAt: now.AddDate(0, 0, f.e.d.TrialDays),
		CreatedAt:   now,
	}
	if err := f.e.d.Repo.CreateUser(ctx, u); err != nil {
		switch {
		case errors.Is(err, repo.ErrDuplicatePhone):
			return "", nil, invalid("Số điện thoại này vừa được người khác đăng ký, vui lòng sửa SĐT.")
		case errors.Is(err, repo.ErrUserExists):
			return "", nil, invalid("Tài khoản của bạn đã tồn tại, bấm Hủy để quay lại menu.")
		}
		return "", nil, err
	}
	text := fmt.Sprintf("🎉 Đăng ký thành công, %s!\nBạn được dùng thử miễn phí đến %s.",
		u.Name, formatDate(u.TrialEndsAt))
	return text, []gateway.Option{
		gateway.Opt("📝 Đăng tin", ActSell),
		gateway.Opt("🔍 Tìm kiếm", ActSearch),
		menuOption(),
	}, nil
}

const dateLayout = "02/01/2006"

// askText returns a fixed prompt for a text step.
func askText(text string) func(context.Context, Actor, *session.Session) (string, []gateway.Option) {
	return func(context.Context, Actor, *session.Session) (string, []gateway.Option) {
		return text, nil
	}
}

// askChoice returns a fixed prompt listing the choices as buttons.
func askChoice(text, action string, list []choice) func(context.Context, Actor, *session.Session) (string, []gateway.Option) {
	return func(context.Context, Actor, *session.Session) (string, []gateway.Option) {
		return text, choiceOptions(action, list, cancelOption())
	}
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}
