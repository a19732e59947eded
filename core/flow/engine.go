package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/postback"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/session"
)

// User-facing notices shared by every flow.
const (
	MsgFailure   = "Xin lỗi, hệ thống đang gặp sự cố. Vui lòng thử lại sau ít phút."
	MsgCancelled = "Đã hủy thao tác. Bạn có thể bắt đầu lại bất cứ lúc nào."
	MsgChoose    = "Vui lòng chọn một trong các lựa chọn bên dưới."
	MsgUseText   = "Bước này cần bạn nhập nội dung bằng tin nhắn."
	msgCancelTip = "(Gõ \"hủy\" để thoát)"
)

// InputError rejects user input; the step is prompted again with Msg.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string {
	return "invalid input: " + e.Msg
}

func invalid(msg string) error {
	return &InputError{Msg: msg}
}

// Deps are the collaborators shared by all flows.
type Deps struct {
	Store   session.Store
	Repo    repo.Repository
	Gateway gateway.Gateway
	// Augment may be nil; steps then keep the user's own input.
	Augment    Augmenter
	Admins     []string
	SessionTTL time.Duration
	TrialDays  int
	Now        func() time.Time
}

// Engine starts and cancels flows and owns the registry.
type Engine struct {
	d        Deps
	registry *Registry
}

// NewEngine builds every flow on top of d.
func NewEngine(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SessionTTL <= 0 {
		d.SessionTTL = 30 * time.Minute
	}
	if d.TrialDays <= 0 {
		d.TrialDays = 7
	}
	e := &Engine{d: d}
	e.registry = &Registry{
		registration: newRegistration(e),
		listing:      newListing(e),
		search:       newSearch(e),
		payment:      newPayment(e),
		community:    newCommunity(e),
		admin:        newAdmin(e),
	}
	return e
}

// Registry returns the flow registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start begins flow tag for a. Concurrent starts for one user collapse to a
// single session; the losers re-prompt the step that session is at.
func (e *Engine) Start(ctx context.Context, a Actor, tag session.Tag) error {
	f, err := e.registry.For(tag)
	if err != nil {
		return err
	}
	sc := scriptOf(f)
	if !f.CanHandle(ctx, a, nil) {
		return e.send(ctx, a.UserID, sc.denied, []gateway.Option{menuOption()})
	}

	s := session.New(a.UserID, tag, e.d.Now(), e.d.SessionTTL)
	if err := e.d.Store.Create(ctx, s); err != nil {
		if errors.Is(err, session.ErrExists) {
			logger.Debug(ctx, "flow", "flow.start",
				slog.String("status", "skip"),
				slog.String("flow", string(tag)),
				slog.String("reason", "session exists"),
			)
			return e.resume(ctx, a)
		}
		e.fail(ctx, a.UserID, err)
		return fmt.Errorf("start %s: %w", tag, err)
	}
	logger.Info(ctx, "flow", "flow.start",
		slog.String("status", "ok"),
		slog.String("flow", string(tag)),
	)
	return sc.prompt(ctx, a, s, "")
}

// resume re-sends the prompt of the session a already has.
func (e *Engine) resume(ctx context.Context, a Actor) error {
	s, err := e.d.Store.Get(ctx, a.UserID)
	if err != nil {
		e.fail(ctx, a.UserID, err)
		return fmt.Errorf("resume: %w", err)
	}
	if s == nil {
		// expired between the insert and the read
		e.fail(ctx, a.UserID, nil)
		return nil
	}
	f, err := e.registry.For(s.Flow)
	if err != nil {
		return err
	}
	return scriptOf(f).prompt(ctx, a, s, "")
}

// Cancel drops the session of userID and confirms it.
func (e *Engine) Cancel(ctx context.Context, userID string) error {
	if err := e.d.Store.Delete(ctx, userID); err != nil {
		e.fail(ctx, userID, err)
		return fmt.Errorf("cancel: %w", err)
	}
	logger.Info(ctx, "flow", "flow.cancel", slog.String("status", "ok"))
	return e.send(ctx, userID, MsgCancelled, []gateway.Option{menuOption()})
}

func (e *Engine) send(ctx context.Context, userID, text string, opts []gateway.Option) error {
	if len(opts) == 0 {
		return e.d.Gateway.SendText(ctx, userID, text)
	}
	return e.d.Gateway.SendOptions(ctx, userID, text, opts)
}

// fail tells the user something went wrong. Corrupt sessions are left to the
// caller, which resets them with its own apology.
func (e *Engine) fail(ctx context.Context, userID string, cause error) {
	if errors.Is(cause, session.ErrCorrupt) {
		return
	}
	if err := e.d.Gateway.SendText(ctx, userID, MsgFailure); err != nil {
		logger.Warn(ctx, "flow", "flow.notify", slog.String("status", "fail"), logger.Err(err))
	}
}

func (e *Engine) notifyAdmins(ctx context.Context, text string, opts []gateway.Option) {
	for _, id := range e.d.Admins {
		if err := e.send(ctx, id, text, opts); err != nil {
			logger.Warn(ctx, "flow", "flow.notify_admin",
				slog.String("status", "fail"),
				slog.String("admin_id", id),
				logger.Err(err),
			)
		}
	}
}

func menuOption() gateway.Option {
	return gateway.Opt("🏠 Menu", ActMenu)
}

func cancelOption() gateway.Option {
	return gateway.Opt("❌ Hủy", ActCancel)
}

// step is one question of a scripted flow.
type step struct {
	ask func(ctx context.Context, a Actor, s *session.Session) (string, []gateway.Option)
	// text handles free text; nil marks a postback-only step.
	text func(ctx context.Context, a Actor, in string, s *session.Session) (map[string]string, error)
	// choice handles a postback; nil means the step takes text only.
	choice func(ctx context.Context, a Actor, p postback.Payload, s *session.Session) (map[string]string, error)
}

// script is the engine shared by all flows: an ordered list of steps and a
// finish func run after the last step accepted its input.
type script struct {
	e      *Engine
	tag    session.Tag
	denied string
	steps  []step
	// finish persists the entity and returns the completion summary.
	finish func(ctx context.Context, a Actor, s *session.Session) (string, []gateway.Option, error)
}

type scripted interface {
	base() *script
}

func (sc *script) base() *script { return sc }

func scriptOf(f Flow) *script {
	return f.(scripted).base()
}

// Tag returns the flow tag.
func (sc *script) Tag() session.Tag {
	return sc.tag
}

func (sc *script) current(s *session.Session) (step, error) {
	if s == nil || s.Step < 0 || s.Step >= len(sc.steps) {
		return step{}, fmt.Errorf("%w: %s at step %d", session.ErrCorrupt, sc.tag, stepOf(s))
	}
	return sc.steps[s.Step], nil
}

func stepOf(s *session.Session) int {
	if s == nil {
		return -1
	}
	return s.Step
}

// HandleMessage feeds free text to the current step.
func (sc *script) HandleMessage(ctx context.Context, a Actor, text string, s *session.Session) error {
	st, err := sc.current(s)
	if err != nil {
		return err
	}
	if st.text == nil {
		return sc.prompt(ctx, a, s, MsgChoose)
	}
	fields, err := st.text(ctx, a, text, s)
	return sc.apply(ctx, a, s, fields, err)
}

// HandlePostback feeds a button press to the current step. STEP jumps back
// to an earlier step; anything else goes to the step itself.
func (sc *script) HandlePostback(ctx context.Context, a Actor, p postback.Payload, s *session.Session) error {
	st, err := sc.current(s)
	if err != nil {
		return err
	}
	switch {
	case p.Is(ActCancel):
		return sc.e.Cancel(ctx, a.UserID)
	case p.Is(ActStep):
		j, err := p.IntParam(0)
		if err != nil || j < 0 || j >= s.Step {
			return sc.prompt(ctx, a, s, MsgChoose)
		}
		return sc.moveTo(ctx, a, s, j, nil)
	}
	if st.choice == nil {
		return sc.prompt(ctx, a, s, MsgUseText)
	}
	fields, err := st.choice(ctx, a, p, s)
	return sc.apply(ctx, a, s, fields, err)
}

func (sc *script) apply(ctx context.Context, a Actor, s *session.Session, fields map[string]string, err error) error {
	if err != nil {
		var ie *InputError
		if errors.As(err, &ie) {
			logger.Debug(ctx, "flow", "flow.invalid",
				slog.String("flow", string(sc.tag)),
				slog.Int("step", s.Step),
				slog.String("reason", ie.Msg),
			)
			return sc.prompt(ctx, a, s, ie.Msg)
		}
		sc.e.fail(ctx, a.UserID, err)
		return fmt.Errorf("%s step %d: %w", sc.tag, s.Step, err)
	}
	if s.Step == len(sc.steps)-1 {
		next := s.Clone()
		next.Merge(fields)
		return sc.complete(ctx, a, next)
	}
	return sc.moveTo(ctx, a, s, s.Step+1, fields)
}

// moveTo persists the session at step j with fields merged. The stored
// session is left as it was when the write fails.
func (sc *script) moveTo(ctx context.Context, a Actor, s *session.Session, j int, fields map[string]string) error {
	next := s.Clone()
	next.Merge(fields)
	next.Step = j
	next.Touch(sc.e.d.Now(), sc.e.d.SessionTTL)
	if err := sc.e.d.Store.Put(ctx, next); err != nil {
		sc.e.fail(ctx, a.UserID, err)
		return fmt.Errorf("%s step %d->%d: %w", sc.tag, s.Step, j, err)
	}
	*s = *next
	return sc.prompt(ctx, a, s, "")
}

func (sc *script) complete(ctx context.Context, a Actor, s *session.Session) error {
	summary, opts, err := sc.finish(ctx, a, s)
	if err != nil {
		var ie *InputError
		if errors.As(err, &ie) {
			return sc.prompt(ctx, a, s, ie.Msg)
		}
		// the session keeps what the user entered so far
		sc.e.fail(ctx, a.UserID, err)
		return fmt.Errorf("%s finish: %w", sc.tag, err)
	}
	if err := sc.e.d.Store.Delete(ctx, a.UserID); err != nil {
		logger.Warn(ctx, "flow", "flow.cleanup",
			slog.String("status", "fail"),
			slog.String("flow", string(sc.tag)),
			logger.Err(err),
		)
	}
	logger.Info(ctx, "flow", "flow.complete",
		slog.String("status", "ok"),
		slog.String("flow", string(sc.tag)),
	)
	if len(opts) == 0 {
		opts = []gateway.Option{menuOption()}
	}
	return sc.e.send(ctx, a.UserID, summary, opts)
}

// prompt sends the question of the current step, prefixed by note when set.
func (sc *script) prompt(ctx context.Context, a Actor, s *session.Session, note string) error {
	st, err := sc.current(s)
	if err != nil {
		return err
	}
	text, opts := st.ask(ctx, a, s)
	if note != "" {
		text = note + "\n\n" + text
	}
	if st.choice == nil || st.text != nil {
		text += "\n" + msgCancelTip
	}
	return sc.e.send(ctx, a.UserID, text, opts)
}

// confirm accepts only the CONFIRM button; used by the last step of most flows.
func (sc *script) confirm(_ context.Context, _ Actor, p postback.Payload, _ *session.Session) (map[string]string, error) {
	if !p.Is(ActConfirm) {
		return nil, invalid(MsgChoose)
	}
	return nil, nil
}
