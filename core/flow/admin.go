package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/session"
)

// MaxGrantDays bounds a manual access extension.
const MaxGrantDays = 365

// Admin extends a user's paid access by hand.
type Admin struct {
	*script
}

func newAdmin(e *Engine) *Admin {
	f := &Admin{}
	f.script = &script{
		e:      e,
		tag:    session.TagAdmin,
		denied: "Chức năng này chỉ dành cho quản trị viên.",
		steps: []step{
			{ask: askText("🛠 Nhập ID người dùng cần gia hạn:"), text: f.target},
			{ask: askText(fmt.Sprintf("📅 Gia hạn bao nhiêu ngày? (1-%d)", MaxGrantDays)), text: f.days},
			{ask: f.confirmPrompt, choice: f.confirm},
		},
		finish: f.finish,
	}
	return f
}

// CanHandle admits configured admins only.
func (f *Admin) CanHandle(_ context.Context, a Actor, _ *session.Session) bool {
	return a.IsAdmin
}

func (f *Admin) target(ctx context.Context, _ Actor, in string, _ *session.Session) (map[string]string, error) {
	id := strings.TrimSpace(in)
	if id == "" {
		return nil, invalid("ID người dùng không được để trống.")
	}
	u, err := f.e.d.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, invalid(fmt.Sprintf("Không tìm thấy người dùng %s.", id))
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{"target": u.ID, "target_name": u.Name}, nil
}

func (f *Admin) days(_ context.Context, _ Actor, in string, _ *session.Session) (map[string]string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(in))
	if err != nil || n < 1 || n > MaxGrantDays {
		return nil, invalid(fmt.Sprintf("Số ngày phải từ 1 đến %d.", MaxGrantDays))
	}
	return map[string]string{"days": strconv.Itoa(n)}, nil
}

func (f *Admin) confirmPrompt(_ context.Context, _ Actor, s *session.Session) (string, []gateway.Option) {
	text := fmt.Sprintf("Gia hạn %s ngày cho %s (%s)?", s.Get("days"), s.Get("target_name"), s.Get("target"))
	return text, []gateway.Option{
		gateway.Opt("✅ Xác nhận", ActConfirm),
		gateway.Opt("✏️ Đổi người dùng", ActStep, "0"),
		gateway.Opt("✏️ Đổi số ngày", ActStep, "1"),
		cancelOption(),
	}
}

func (f *Admin) finish(ctx context.Context, _ Actor, s *session.Session) (string, []gateway.Option, error) {
	days, err := strconv.Atoi(s.Get("days"))
	if err != nil {
		return "", nil, fmt.Errorf("stored days %q: %w", s.Get("days"), session.ErrCorrupt)
	}
	target := s.Get("target")
	until, err := f.e.d.Repo.ExtendAccess(ctx, target, days, f.e.d.Now())
	if err != nil {
		return "", nil, err
	}
	if err := f.e.d.Gateway.SendText(ctx, target, fmt.Sprintf("🎁 Tài khoản của bạn đã được gia hạn đến %s.", formatDate(until))); err != nil {
		logger.Warn(ctx, "flow", "flow.notify",
			slog.String("status", "fail"),
			slog.String("target", target),
			logger.Err(err),
		)
	}
	return fmt.Sprintf("✅ Đã gia hạn cho %s đến %s.", s.Get("target_name"), formatDate(until)), nil, nil
}
