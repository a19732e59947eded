// Package dispatch decides, for every inbound event, which part of the bot
// handles it. Stages run in a fixed order and the first one that handles
// the event wins:
//
//  1. admin identity (admins skip abuse gating)
//  2. admin takeover forwarding
//  3. abuse gating
//  4. active flow continuation and cancellation
//  5. trial and paid-access gating
//  6. default routing of buttons and keywords
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/m3rciful/marketbot/core/abuse"
	"github.com/m3rciful/marketbot/core/dedupe"
	"github.com/m3rciful/marketbot/core/flow"
	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/postback"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/session"
	"github.com/m3rciful/marketbot/core/textnorm"
)

// Event is one inbound message or button press.
type Event struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Text       string `json:"text"`
	IsPostback bool   `json:"is_postback"`
	Payload    string `json:"payload"`
}

// Words that abandon the active flow.
var cancelWords = []string{"hủy", "huỷ", "thoát", "cancel", "quit", "/cancel"}

// Words that close an admin chat from either side.
var endChatWords = []string{"kết thúc", "/end", "/endchat", "end chat"}

// Options wires a Dispatcher.
type Options struct {
	Engine  *flow.Engine
	Store   session.Store
	Repo    repo.Repository
	Gateway gateway.Gateway
	// Guard and Dedupe are optional.
	Guard  *abuse.Guard
	Dedupe *dedupe.Cache

	Admins         []string
	ReminderWindow time.Duration
	Now            func() time.Time
}

// Dispatcher routes events. It is safe for concurrent use; events of one
// user are handled one at a time.
type Dispatcher struct {
	opts  Options
	locks *userLocks
}

// New returns a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReminderWindow <= 0 {
		opts.ReminderWindow = 24 * time.Hour
	}
	return &Dispatcher{opts: opts, locks: newUserLocks()}
}

// IsAdmin reports whether userID is a configured admin.
func (d *Dispatcher) IsAdmin(userID string) bool {
	return slices.Contains(d.opts.Admins, userID)
}

// Dispatch handles ev. Failures are logged and answered, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	start := time.Now()
	ctx = logger.WithEventMeta(ctx, ev.ID, ev.UserID)
	ctx = logger.WithRID(ctx, logger.BuildRID("evt", ev.ID, ev.UserID))

	if ev.UserID == "" {
		logger.Warn(ctx, "dispatch", "dispatch.skip", slog.String("status", "skip"), slog.String("reason", "empty user"))
		return
	}
	// events without an id cannot be told apart, so they are never deduplicated
	dedupeKey := ""
	if d.opts.Dedupe != nil && ev.ID != "" {
		dedupeKey = ev.UserID + ":" + ev.ID
	}
	if dedupeKey != "" && d.opts.Dedupe.CheckAndMark(dedupeKey) {
		logger.Debug(ctx, "dispatch", "dispatch.skip", slog.String("status", "skip"), slog.String("reason", "duplicate"))
		return
	}

	unlock := d.locks.Lock(ev.UserID)
	defer unlock()

	stage := "dispatch"
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "dispatch", "dispatch.panic",
				slog.String("status", "fail"),
				slog.String("stage", stage),
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
			)
			if dedupeKey != "" {
				// let a redelivery of the same event through
				d.opts.Dedupe.Forget(dedupeKey)
			}
			d.sendText(ctx, ev.UserID, MsgApology)
		}
	}()

	var err error
	stage, err = d.run(ctx, ev)

	status, outcome := "ok", "ok"
	if err != nil {
		status, outcome = "fail", "fail"
	}
	attrs := []slog.Attr{
		slog.String("status", status),
		slog.String("stage", stage),
		slog.String("outcome", outcome),
		slog.Bool("postback", ev.IsPostback),
		slog.Int64("duration_ms", logger.SinceMS(start)),
	}
	if err != nil {
		attrs = append(attrs, logger.Err(err))
	}
	logger.Info(ctx, "dispatch", "dispatch.handled", attrs...)
}

// run executes the stages and names the one that handled ev.
func (d *Dispatcher) run(ctx context.Context, ev Event) (string, error) {
	isAdmin := d.IsAdmin(ev.UserID)

	if handled, err := d.takeover(ctx, ev, isAdmin); handled {
		return "takeover", err
	}

	if !isAdmin && d.opts.Guard != nil {
		text := ev.Text
		if ev.IsPostback {
			text = ""
		}
		if v := d.opts.Guard.Evaluate(ctx, ev.UserID, text); v.Stop {
			return "abuse", d.opts.Gateway.SendText(ctx, ev.UserID, MsgSlowDown)
		}
	}

	a, err := d.actor(ctx, ev.UserID, isAdmin)
	if err != nil {
		d.sendText(ctx, ev.UserID, flow.MsgFailure)
		return "actor", err
	}

	s, err := d.opts.Store.Get(ctx, ev.UserID)
	if errors.Is(err, session.ErrCorrupt) {
		return "session", d.reset(ctx, ev.UserID, err)
	}
	if err != nil {
		d.sendText(ctx, ev.UserID, flow.MsgFailure)
		return "session", err
	}
	if s != nil {
		return "flow", d.continueFlow(ctx, a, s, ev)
	}

	intent := d.intent(ev, isAdmin)
	if handled, err := d.gateAccess(ctx, a, intent); handled {
		return "access", err
	}
	return "route", d.route(ctx, a, intent)
}

func (d *Dispatcher) actor(ctx context.Context, userID string, isAdmin bool) (flow.Actor, error) {
	a := flow.Actor{UserID: userID, IsAdmin: isAdmin}
	u, err := d.opts.Repo.GetUser(ctx, userID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return a, nil
	case err != nil:
		return a, fmt.Errorf("load user: %w", err)
	}
	a.User = u
	return a, nil
}

func (d *Dispatcher) continueFlow(ctx context.Context, a flow.Actor, s *session.Session, ev Event) error {
	ctx = logger.WithFlow(ctx, string(s.Flow), s.Step)

	var p postback.Payload
	if ev.IsPostback {
		// undecodable payloads reach the flow as an unknown action
		p, _ = postback.Decode(ev.Payload)
	}
	if (ev.IsPostback && p.Is(flow.ActCancel)) || (!ev.IsPostback && textnorm.EqualsAny(ev.Text, cancelWords...)) {
		return d.opts.Engine.Cancel(ctx, a.UserID)
	}

	f, err := d.opts.Engine.Registry().For(s.Flow)
	if err != nil {
		return d.reset(ctx, a.UserID, err)
	}
	if !f.CanHandle(ctx, a, s) {
		logger.Info(ctx, "dispatch", "flow.revoked", slog.String("status", "skip"))
		return d.opts.Engine.Cancel(ctx, a.UserID)
	}

	if err := d.opts.Gateway.SendTyping(ctx, a.UserID); err != nil {
		logger.Debug(ctx, "dispatch", "dispatch.typing", slog.String("status", "fail"), logger.Err(err))
	}
	if ev.IsPostback {
		err = f.HandlePostback(ctx, a, p, s)
	} else {
		err = f.HandleMessage(ctx, a, ev.Text, s)
	}
	if errors.Is(err, session.ErrCorrupt) {
		return d.reset(ctx, a.UserID, err)
	}
	return err
}

// reset drops a session that cannot be continued and apologises.
func (d *Dispatcher) reset(ctx context.Context, userID string, cause error) error {
	logger.Error(ctx, "dispatch", "session.reset",
		slog.String("status", "fail"),
		logger.Err(cause),
	)
	if err := d.opts.Store.Delete(ctx, userID); err != nil {
		logger.Warn(ctx, "dispatch", "session.reset", slog.String("status", "fail"), logger.Err(err))
	}
	d.sendText(ctx, userID, MsgApology)
	return nil
}

// gateAccess stops registered users whose access lapsed, and reminds once
// per window those whose access ends soon. Payment and support stay open.
func (d *Dispatcher) gateAccess(ctx context.Context, a flow.Actor, intent postback.Payload) (bool, error) {
	if a.IsAdmin || a.User == nil || exempt(intent) {
		return false, nil
	}
	now := d.opts.Now()
	until := a.User.AccessUntil()
	payOpts := []gateway.Option{gateway.Opt("💳 Gia hạn", flow.ActPay), gateway.Opt("🙋 Hỗ trợ", flow.ActSupport)}

	if !now.Before(until) {
		return true, d.opts.Gateway.SendOptions(ctx, a.UserID, MsgExpired, payOpts)
	}
	windowStart := until.Add(-d.opts.ReminderWindow)
	if now.Before(windowStart) || !a.User.RemindedAt.Before(windowStart) {
		return false, nil
	}
	if err := d.opts.Repo.MarkReminded(ctx, a.UserID, now); err != nil {
		// the reminder still goes out; it may repeat once
		logger.Warn(ctx, "dispatch", "access.remind", slog.String("status", "fail"), logger.Err(err))
	}
	text := fmt.Sprintf(MsgReminder, until.Format("02/01/2006 15:04"))
	return true, d.opts.Gateway.SendOptions(ctx, a.UserID, text, payOpts)
}

func exempt(intent postback.Payload) bool {
	switch intent.Action {
	case flow.ActPay, flow.ActSupport, flow.ActRegister, flow.ActHelp, flow.ActCancel, flow.ActApprove:
		return true
	}
	return false
}

func (d *Dispatcher) sendText(ctx context.Context, userID, text string) {
	if err := d.opts.Gateway.SendText(ctx, userID, text); err != nil {
		logger.Warn(ctx, "dispatch", "dispatch.send", slog.String("status", "fail"), logger.Err(err))
	}
}
