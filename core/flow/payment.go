package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/postback"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/session"
)

// Bank details shown on the transfer step.
const (
	BankName    = "Vietcombank"
	BankAccount = "0123456789"
	BankHolder  = "CONG TY MARKETBOT"
)

// Payment records a bank transfer for a paid plan. An admin approves it
// later with the APPROVE button.
type Payment struct {
	*script
}

func newPayment(e *Engine) *Payment {
	f := &Payment{}
	f.script = &script{
		e:      e,
		tag:    session.TagPayment,
		denied: "Bạn cần đăng ký tài khoản trước khi thanh toán.",
		steps: []step{
			{ask: f.planPrompt, choice: f.plan},
			{ask: f.transferPrompt, choice: f.paid},
		},
		finish: f.finish,
	}
	return f
}

// CanHandle admits registered users.
func (f *Payment) CanHandle(_ context.Context, a Actor, _ *session.Session) bool {
	return a.Registered()
}

func (f *Payment) planPrompt(context.Context, Actor, *session.Session) (string, []gateway.Option) {
	opts := make([]gateway.Option, 0, len(plans)+1)
	for _, p := range plans {
		opts = append(opts, gateway.Opt(fmt.Sprintf("%s - %d ngày - %s", p.Label, p.Days, repo.FormatVND(p.Amount)), ActPlan, p.Code))
	}
	return "💳 Chọn gói sử dụng:", append(opts, cancelOption())
}

func (f *Payment) plan(_ context.Context, _ Actor, p postback.Payload, _ *session.Session) (map[string]string, error) {
	if _, ok := planByCode(p.Param(0)); !p.Is(ActPlan) || !ok {
		return nil, invalid(MsgChoose)
	}
	ref := "MB" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	return map[string]string{"plan": p.Param(0), "reference": ref}, nil
}

func (f *Payment) transferPrompt(_ context.Context, _ Actor, s *session.Session) (string, []gateway.Option) {
	plan, _ := planByCode(s.Get("plan"))
	text := fmt.Sprintf("Vui lòng chuyển khoản %s\n🏦 %s - %s\n👤 %s\n📝 Nội dung: %s\n\nBấm \"Đã chuyển khoản\" sau khi hoàn tất.",
		repo.FormatVND(plan.Amount), BankName, BankAccount, BankHolder, s.Get("reference"))
	return text, []gateway.Option{
		gateway.Opt("✅ Đã chuyển khoản", ActPaid),
		gateway.Opt("↩️ Đổi gói", ActStep, "0"),
		cancelOption(),
	}
}

func (f *Payment) paid(_ context.Context, _ Actor, p postback.Payload, _ *session.Session) (map[string]string, error) {
	if !p.Is(ActPaid) {
		return nil, invalid(MsgChoose)
	}
	return nil, nil
}

func (f *Payment) finish(ctx context.Context, a Actor, s *session.Session) (string, []gateway.Option, error) {
	plan, ok := planByCode(s.Get("plan"))
	if !ok {
		return "", nil, fmt.Errorf("stored plan %q: %w", s.Get("plan"), session.ErrCorrupt)
	}
	p := &repo.Payment{
		UserID:    a.UserID,
		Plan:      plan.Code,
		Amount:    plan.Amount,
		Days:      plan.Days,
		Reference: s.Get("reference"),
		Status:    repo.PaymentPending,
		CreatedAt: f.e.d.Now(),
	}
	if err := f.e.d.Repo.CreatePayment(ctx, p); err != nil {
		return "", nil, err
	}

	name := a.UserID
	if a.User != nil {
		name = a.User.Name + " (" + a.UserID + ")"
	}
	f.e.notifyAdmins(ctx,
		fmt.Sprintf("💰 Thanh toán mới từ %s\n%s - %s\nMã: %s", name, plan.Label, repo.FormatVND(plan.Amount), p.Reference),
		[]gateway.Option{gateway.Opt("✅ Duyệt", ActApprove, p.ID)},
	)

	return fmt.Sprintf("🙏 Đã ghi nhận thanh toán %s (mã %s). Tài khoản sẽ được gia hạn %d ngày sau khi admin xác nhận.",
		repo.FormatVND(plan.Amount), p.Reference, plan.Days), nil, nil
}
