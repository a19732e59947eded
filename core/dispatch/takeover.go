package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/m3rciful/marketbot/core/flow"
	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/textnorm"
)

// takeover forwards free text across an open admin chat. Postbacks are
// never forwarded so buttons keep working during a chat.
func (d *Dispatcher) takeover(ctx context.Context, ev Event, isAdmin bool) (bool, error) {
	if ev.IsPostback {
		return false, nil
	}
	if isAdmin {
		return d.adminSide(ctx, ev)
	}
	return d.userSide(ctx, ev)
}

func (d *Dispatcher) adminSide(ctx context.Context, ev Event) (bool, error) {
	chat, err := d.opts.Repo.ActiveChatForAdmin(ctx, ev.UserID)
	if err != nil {
		logger.Warn(ctx, "dispatch", "takeover.lookup", slog.String("status", "fail"), logger.Err(err))
		return false, nil
	}
	if chat == nil {
		return false, nil
	}
	if textnorm.EqualsAny(ev.Text, endChatWords...) {
		return true, d.closeChat(ctx, chat, ev.UserID)
	}
	d.touch(ctx, chat)
	return true, d.opts.Gateway.SendText(ctx, chat.UserID, MsgAdminPrefix+ev.Text)
}

func (d *Dispatcher) userSide(ctx context.Context, ev Event) (bool, error) {
	chat, err := d.opts.Repo.OpenChatForUser(ctx, ev.UserID)
	if err != nil {
		logger.Warn(ctx, "dispatch", "takeover.lookup", slog.String("status", "fail"), logger.Err(err))
		return false, nil
	}
	if chat == nil {
		return false, nil
	}
	if textnorm.EqualsAny(ev.Text, endChatWords...) {
		return true, d.closeChat(ctx, chat, ev.UserID)
	}
	d.touch(ctx, chat)
	text := fmt.Sprintf(msgFromUser, ev.UserID, ev.Text)
	if chat.Status == repo.ChatActive && chat.AdminID != "" {
		return true, d.opts.Gateway.SendText(ctx, chat.AdminID, text)
	}
	d.notifyAdmins(ctx, text, []gateway.Option{gateway.Opt("🙋 Nhận hỗ trợ", flow.ActClaim, ev.UserID)})
	return true, nil
}

// closeChat ends chat on behalf of by and tells both sides.
func (d *Dispatcher) closeChat(ctx context.Context, chat *repo.AdminChat, by string) error {
	if err := d.opts.Repo.CloseChat(ctx, chat.ID, d.opts.Now()); err != nil {
		d.sendText(ctx, by, flow.MsgFailure)
		return fmt.Errorf("close chat: %w", err)
	}
	logger.Info(ctx, "dispatch", "takeover.close",
		slog.String("status", "ok"),
		slog.String("chat_id", chat.ID),
		slog.String("admin_id", chat.AdminID),
	)
	d.sendText(ctx, chat.UserID, msgChatClosed)
	if chat.AdminID != "" {
		d.sendText(ctx, chat.AdminID, fmt.Sprintf(msgChatClosedBy, chat.UserID))
	}
	return nil
}

func (d *Dispatcher) touch(ctx context.Context, chat *repo.AdminChat) {
	if err := d.opts.Repo.TouchChat(ctx, chat.ID, d.opts.Now()); err != nil {
		logger.Debug(ctx, "dispatch", "takeover.touch", slog.String("status", "fail"), logger.Err(err))
	}
}

func (d *Dispatcher) notifyAdmins(ctx context.Context, text string, opts []gateway.Option) {
	for _, id := range d.opts.Admins {
		if err := d.opts.Gateway.SendOptions(ctx, id, text, opts); err != nil {
			logger.Warn(ctx, "dispatch", "dispatch.send",
				slog.String("status", "fail"),
				slog.String("admin_id", id),
				logger.Err(err),
			)
		}
	}
}
