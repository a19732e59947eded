package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/m3rciful/marketbot/core/flow"
	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/postback"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/session"
	"github.com/m3rciful/marketbot/core/textnorm"
)

type keyword struct {
	phrase string
	action string
}

// Matched as substrings of textnorm.Plain(text), first hit wins. Short
// words like "ban" or "tim" are left out because they occur inside
// unrelated words.
var keywords = []keyword{
	{"dang ky", flow.ActRegister},
	{"dang tin", flow.ActSell},
	{"ban hang", flow.ActSell},
	{"rao ban", flow.ActSell},
	{"tim kiem", flow.ActSearch},
	{"tim mua", flow.ActSearch},
	{"can mua", flow.ActSearch},
	{"thanh toan", flow.ActPay},
	{"gia han", flow.ActPay},
	{"nang cap", flow.ActPay},
	{"cong dong", flow.ActCommunity},
	{"hoi dap", flow.ActCommunity},
	{"ho tro", flow.ActSupport},
	{"gap admin", flow.ActSupport},
	{"tu van", flow.ActSupport},
	{"huong dan", flow.ActHelp},
	{"/help", flow.ActHelp},
	{"/start", flow.ActMenu},
	{"menu", flow.ActMenu},
}

// Commands only admins may type.
var adminKeywords = []keyword{
	{"/extend", flow.ActExtend},
	{"/endchat", flow.ActEndChat},
}

// intent resolves ev to the action it asks for. Text matching nothing
// resolves to an empty action, which routes to the menu.
func (d *Dispatcher) intent(ev Event, isAdmin bool) postback.Payload {
	if ev.IsPostback {
		p, err := postback.Decode(ev.Payload)
		if err != nil {
			return postback.Payload{}
		}
		return p
	}
	plain := textnorm.Plain(ev.Text)
	if isAdmin {
		for _, k := range adminKeywords {
			if strings.HasPrefix(plain, k.phrase) {
				return postback.New(k.action)
			}
		}
	}
	for _, k := range keywords {
		if strings.Contains(plain, k.phrase) {
			return postback.New(k.action)
		}
	}
	return postback.Payload{}
}

func (d *Dispatcher) route(ctx context.Context, a flow.Actor, p postback.Payload) error {
	ctx = logger.WithHandler(ctx, strings.ToLower(p.Action))
	eng := d.opts.Engine

	switch p.Action {
	case flow.ActRegister:
		return eng.Start(ctx, a, session.TagRegistration)
	case flow.ActSell:
		return eng.Start(ctx, a, session.TagListing)
	case flow.ActSearch:
		return eng.Start(ctx, a, session.TagSearch)
	case flow.ActPay:
		return eng.Start(ctx, a, session.TagPayment)
	case flow.ActCommunity:
		return eng.Start(ctx, a, session.TagCommunity)
	case flow.ActHelp:
		return d.opts.Gateway.SendOptions(ctx, a.UserID, MsgHelp, menuOptions(a))
	case flow.ActSupport:
		return d.support(ctx, a)
	case flow.ActListing:
		return d.showListing(ctx, a, p.Param(0))
	case flow.ActCancel, flow.ActStep:
		return d.opts.Gateway.SendOptions(ctx, a.UserID, MsgNothingOpen, menuOptions(a))
	}

	if a.IsAdmin {
		switch p.Action {
		case flow.ActExtend:
			return eng.Start(ctx, a, session.TagAdmin)
		case flow.ActClaim:
			return d.claim(ctx, a, p.Param(0))
		case flow.ActEndChat:
			return d.endChat(ctx, a)
		case flow.ActApprove:
			return d.approve(ctx, a, p.Param(0))
		}
	}

	if p.Action != "" && p.Action != flow.ActMenu {
		logger.Info(ctx, "dispatch", "route.unknown",
			slog.String("status", "skip"),
			slog.String("action", p.Action),
		)
	}
	return d.menu(ctx, a)
}

func (d *Dispatcher) menu(ctx context.Context, a flow.Actor) error {
	text := MsgMenu
	if !a.Registered() && !a.IsAdmin {
		text = MsgWelcome
	}
	return d.opts.Gateway.SendOptions(ctx, a.UserID, text, menuOptions(a))
}

func menuOptions(a flow.Actor) []gateway.Option {
	var opts []gateway.Option
	if a.Registered() {
		opts = append(opts,
			gateway.Opt("📝 Đăng tin", flow.ActSell),
			gateway.Opt("🔍 Tìm kiếm", flow.ActSearch),
			gateway.Opt("💬 Cộng đồng", flow.ActCommunity),
			gateway.Opt("💳 Thanh toán", flow.ActPay),
		)
	} else {
		opts = append(opts,
			gateway.Opt("✍️ Đăng ký", flow.ActRegister),
			gateway.Opt("🔍 Tìm kiếm", flow.ActSearch),
		)
	}
	opts = append(opts,
		gateway.Opt("🙋 Hỗ trợ", flow.ActSupport),
		gateway.Opt("ℹ️ Hướng dẫn", flow.ActHelp),
	)
	if a.IsAdmin {
		opts = append(opts, gateway.Opt("🛠 Gia hạn thủ công", flow.ActExtend))
	}
	return opts
}

func (d *Dispatcher) support(ctx context.Context, a flow.Actor) error {
	chat, err := d.opts.Repo.OpenChat(ctx, a.UserID, d.opts.Now())
	if err != nil {
		d.sendText(ctx, a.UserID, flow.MsgFailure)
		return fmt.Errorf("open chat: %w", err)
	}
	logger.Info(ctx, "dispatch", "takeover.request",
		slog.String("status", "ok"),
		slog.String("chat_id", chat.ID),
	)
	who := a.UserID
	if a.User != nil {
		who = a.User.Name + " (" + a.UserID + ")"
	}
	d.notifyAdmins(ctx, fmt.Sprintf(msgSupportRequest, who),
		[]gateway.Option{gateway.Opt("🙋 Nhận hỗ trợ", flow.ActClaim, a.UserID)})
	return d.opts.Gateway.SendText(ctx, a.UserID, msgSupportQueued)
}

func (d *Dispatcher) claim(ctx context.Context, a flow.Actor, userID string) error {
	chat, err := d.opts.Repo.OpenChatForUser(ctx, userID)
	if err != nil {
		d.sendText(ctx, a.UserID, flow.MsgFailure)
		return fmt.Errorf("claim lookup: %w", err)
	}
	if chat == nil {
		return d.opts.Gateway.SendText(ctx, a.UserID, fmt.Sprintf(msgClaimGone, userID))
	}
	if chat.Status == repo.ChatActive && chat.AdminID != a.UserID {
		return d.opts.Gateway.SendText(ctx, a.UserID, fmt.Sprintf(msgClaimTaken, userID))
	}
	chat, err = d.opts.Repo.ClaimChat(ctx, userID, a.UserID, d.opts.Now())
	switch {
	case errors.Is(err, repo.ErrChatTaken):
		return d.opts.Gateway.SendText(ctx, a.UserID, fmt.Sprintf(msgClaimTaken, userID))
	case errors.Is(err, repo.ErrNotFound):
		return d.opts.Gateway.SendText(ctx, a.UserID, fmt.Sprintf(msgClaimGone, userID))
	case err != nil:
		d.sendText(ctx, a.UserID, flow.MsgFailure)
		return fmt.Errorf("claim: %w", err)
	}
	logger.Info(ctx, "dispatch", "takeover.claim",
		slog.String("status", "ok"),
		slog.String("chat_id", chat.ID),
		slog.String("admin_id", a.UserID),
	)
	d.sendText(ctx, userID, msgClaimed)
	return d.opts.Gateway.SendOptions(ctx, a.UserID, fmt.Sprintf(msgClaimedAdmin, userID),
		[]gateway.Option{gateway.Opt("✅ Kết thúc", flow.ActEndChat)})
}

func (d *Dispatcher) endChat(ctx context.Context, a flow.Actor) error {
	chat, err := d.opts.Repo.ActiveChatForAdmin(ctx, a.UserID)
	if err != nil {
		d.sendText(ctx, a.UserID, flow.MsgFailure)
		return fmt.Errorf("end chat lookup: %w", err)
	}
	if chat == nil {
		return d.opts.Gateway.SendText(ctx, a.UserID, msgNoActiveChat)
	}
	return d.closeChat(ctx, chat, a.UserID)
}

func (d *Dispatcher) approve(ctx context.Context, a flow.Actor, paymentID string) error {
	p, err := d.opts.Repo.ApprovePayment(ctx, paymentID, d.opts.Now())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return d.opts.Gateway.SendText(ctx, a.UserID, fmt.Sprintf(msgNoPayment, paymentID))
	case errors.Is(err, repo.ErrPaymentSettled):
		ref := paymentID
		if p != nil {
			ref = p.Reference
		}
		return d.opts.Gateway.SendText(ctx, a.UserID, fmt.Sprintf(msgAlreadyPaid, ref))
	case err != nil:
		d.sendText(ctx, a.UserID, flow.MsgFailure)
		return fmt.Errorf("approve payment: %w", err)
	}
	logger.Info(ctx, "dispatch", "payment.approve",
		slog.String("status", "ok"),
		slog.String("payment_id", p.ID),
		slog.String("admin_id", a.UserID),
	)

	until := d.opts.Now()
	if u, err := d.opts.Repo.GetUser(ctx, p.UserID); err == nil {
		until = u.AccessUntil()
	}
	d.sendText(ctx, p.UserID, fmt.Sprintf(msgApproved, p.Reference, until.Format("02/01/2006")))
	return d.opts.Gateway.SendText(ctx, a.UserID, fmt.Sprintf(msgApprovedAdmin, p.Reference, p.UserID))
}

func (d *Dispatcher) showListing(ctx context.Context, a flow.Actor, id string) error {
	if id == "" {
		return d.opts.Gateway.SendOptions(ctx, a.UserID, msgNoListing, menuOptions(a))
	}
	l, err := d.opts.Repo.GetListing(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return d.opts.Gateway.SendOptions(ctx, a.UserID, msgNoListing, menuOptions(a))
	}
	if err != nil {
		d.sendText(ctx, a.UserID, flow.MsgFailure)
		return fmt.Errorf("get listing: %w", err)
	}
	text := fmt.Sprintf(msgListing, l.Title, repo.FormatVND(l.Price), l.Location, l.Description)
	return d.opts.Gateway.SendOptions(ctx, a.UserID, text, []gateway.Option{
		gateway.Opt("🔍 Tìm tiếp", flow.ActSearch),
		gateway.Opt("🏠 Menu", flow.ActMenu),
	})
}
