package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/marketbot/core/abuse"
	"github.com/m3rciful/marketbot/core/augment"
	"github.com/m3rciful/marketbot/core/dedupe"
	"github.com/m3rciful/marketbot/core/flow"
	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/postback"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/resilience"
	"github.com/m3rciful/marketbot/core/session"
)

// spyStore counts reads so tests can prove a stage never looked at sessions.
type spyStore struct {
	session.Store
	gets atomic.Int32
}

func (s *spyStore) Get(ctx context.Context, userID string) (*session.Session, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, userID)
}

// panicRepo blows up when loading the user "boom".
type panicRepo struct {
	repo.Repository
}

func (p panicRepo) GetUser(ctx context.Context, id string) (*repo.User, error) {
	if id == "boom" {
		panic("kaboom")
	}
	return p.Repository.GetUser(ctx, id)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	mu    sync.Mutex
	now   time.Time
	store *spyStore
	repo  *repo.Memory
	gw    *gateway.Recorder
	d     *Dispatcher
	seq   atomic.Int64
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

type harnessOpt func(*Options)

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		ctx:  context.Background(),
		now:  time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC),
		repo: repo.NewMemory(),
		gw:   gateway.NewRecorder(),
	}
	h.store = &spyStore{Store: session.NewMemoryStore(h.clock)}
	res := resilience.NewManager(resilience.DefaultBreakerConfig(), resilience.WithClock(h.clock))
	admins := []string{"admin", "admin2"}
	eng := flow.NewEngine(flow.Deps{
		Store:      h.store,
		Repo:       h.repo,
		Gateway:    h.gw,
		Augment:    augment.NewService(res, h.repo),
		Admins:     admins,
		SessionTTL: 30 * time.Minute,
		TrialDays:  7,
		Now:        h.clock,
	})
	o := Options{
		Engine:         eng,
		Store:          h.store,
		Repo:           panicRepo{h.repo},
		Gateway:        h.gw,
		Guard:          abuse.NewGuard(abuse.Options{PerMinute: 600, Burst: 100, DuplicateLimit: 50, Now: h.clock}),
		Dedupe:         dedupe.New(time.Minute, 100, h.clock),
		Admins:         admins,
		ReminderWindow: 24 * time.Hour,
		Now:            h.clock,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.d = New(o)

	h.addUser("seller", h.now.AddDate(0, 0, 5))
	return h
}

func (h *harness) addUser(id string, accessUntil time.Time) {
	h.t.Helper()
	require.NoError(h.t, h.repo.CreateUser(h.ctx, &repo.User{
		ID: id, Name: "User " + id, Phone: fmt.Sprintf("09%08d", len(id)*1000+int(id[0])),
		TrialEndsAt: accessUntil, CreatedAt: h.now,
	}))
}

func (h *harness) say(userID, text string) {
	h.d.Dispatch(h.ctx, Event{ID: fmt.Sprint(h.seq.Add(1)), UserID: userID, Text: text})
}

func (h *harness) press(userID, action string, params ...string) {
	h.d.Dispatch(h.ctx, Event{
		ID:         fmt.Sprint(h.seq.Add(1)),
		UserID:     userID,
		IsPostback: true,
		Payload:    postback.New(action, params...).Encode(),
	})
}

func (h *harness) session(userID string) *session.Session {
	s, err := h.store.Store.Get(h.ctx, userID)
	require.NoError(h.t, err)
	return s
}

func (h *harness) last(userID string) gateway.Message {
	h.t.Helper()
	m, ok := h.gw.Last(userID)
	require.True(h.t, ok, "nothing sent to %s", userID)
	return m
}

func actions(opts []gateway.Option) []string {
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		out = append(out, o.Payload.Action)
	}
	return out
}

func TestScenarioARegistrationByKeyword(t *testing.T) {
	h := newHarness(t)
	h.say("newbie", "Đăng ký")
	s := h.session("newbie")
	require.NotNil(t, s)
	assert.Equal(t, session.TagRegistration, s.Flow)
	assert.Equal(t, 0, s.Step)
	assert.Contains(t, h.last("newbie").Text, "Bạn tên là gì")

	h.say("newbie", "A")
	s = h.session("newbie")
	assert.Equal(t, 0, s.Step)
	assert.Empty(t, s.Data)

	h.say("newbie", "Nguyen Van A")
	s = h.session("newbie")
	assert.Equal(t, 1, s.Step)
	assert.Equal(t, "Nguyen Van A", s.Get("name"))
	assert.Contains(t, h.last("newbie").Text, "Số điện thoại")
	assert.GreaterOrEqual(t, h.gw.Typing("newbie"), 2)
}

func TestScenarioCAdminForwarding(t *testing.T) {
	h := newHarness(t)
	h.say("seller", "cần hỗ trợ")
	require.Contains(t, actions(h.last("admin").Options), flow.ActClaim)
	h.press("admin", flow.ActClaim, "seller")
	assert.Equal(t, msgClaimed, h.last("seller").Text)

	// the admin also has a flow open; it must not be touched
	h.press("admin", flow.ActExtend)
	before := h.session("admin")
	require.NotNil(t, before)
	sentToAdmin := len(h.gw.To("admin"))
	gets := h.store.gets.Load()

	h.say("admin", "Chào bạn, mình có thể giúp gì?")
	assert.Equal(t, "Admin: Chào bạn, mình có thể giúp gì?", h.last("seller").Text)
	assert.Equal(t, gets, h.store.gets.Load(), "session store not consulted")
	assert.Equal(t, before, h.session("admin"))
	assert.Len(t, h.gw.To("admin"), sentToAdmin)
}

func TestUserSideForwarding(t *testing.T) {
	h := newHarness(t)
	h.press("seller", flow.ActSupport)
	assert.Contains(t, h.last("seller").Text, "Đã gửi yêu cầu hỗ trợ")

	// waiting: every admin sees the message with a claim button
	h.say("seller", "Tôi không đăng tin được")
	for _, admin := range []string{"admin", "admin2"} {
		m := h.last(admin)
		assert.Equal(t, "💬 seller: Tôi không đăng tin được", m.Text)
		assert.Equal(t, []string{flow.ActClaim}, actions(m.Options))
	}

	h.press("admin2", flow.ActClaim, "seller")
	h.press("admin", flow.ActClaim, "seller")
	assert.Contains(t, h.last("admin").Text, "quản trị viên khác")

	h.say("seller", "Lỗi ở bước giá")
	assert.Equal(t, "💬 seller: Lỗi ở bước giá", h.last("admin2").Text)
	assert.NotEqual(t, "💬 seller: Lỗi ở bước giá", h.last("admin").Text)

	// keywords are forwarded too, not treated as flow starters
	h.say("seller", "đăng tin")
	assert.Nil(t, h.session("seller"))
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	h.press("seller", flow.ActSupport)

	var wg sync.WaitGroup
	for _, admin := range []string{"admin", "admin2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.press(admin, flow.ActClaim, "seller")
		}()
	}
	wg.Wait()

	claimed := 0
	for _, m := range h.gw.To("seller") {
		if m.Text == msgClaimed {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)
	taken := 0
	for _, admin := range []string{"admin", "admin2"} {
		if h.last(admin).Text == fmt.Sprintf(msgClaimTaken, "seller") {
			taken++
		}
	}
	assert.Equal(t, 1, taken)
}

func TestEndChatFromEitherSide(t *testing.T) {
	h := newHarness(t)
	h.press("seller", flow.ActSupport)
	h.press("admin", flow.ActClaim, "seller")
	h.say("seller", "Kết thúc")
	assert.Equal(t, msgChatClosed, h.last("seller").Text)
	assert.Contains(t, h.last("admin").Text, "Đã đóng cuộc trò chuyện")

	chat, err := h.repo.OpenChatForUser(h.ctx, "seller")
	require.NoError(t, err)
	assert.Nil(t, chat)

	// text after closing routes normally again
	h.say("admin", "xin chào")
	assert.Equal(t, MsgMenu, h.last("admin").Text)

	h.press("seller", flow.ActSupport)
	h.press("admin", flow.ActClaim, "seller")
	h.press("admin", flow.ActEndChat)
	assert.Equal(t, msgChatClosed, h.last("seller").Text)
	h.press("admin", flow.ActEndChat)
	assert.Equal(t, msgNoActiveChat, h.last("admin").Text)
}

func TestAbuseGatingSkipsAdmins(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Guard = abuse.NewGuard(abuse.Options{PerMinute: 1, Burst: 2, Cooldown: time.Minute})
	})
	for i := 0; i < 5; i++ {
		h.say("admin", fmt.Sprintf("xin chào %d", i))
		assert.NotEqual(t, MsgSlowDown, h.last("admin").Text)
	}
	h.say("seller", "một")
	h.say("seller", "hai")
	h.say("seller", "ba")
	assert.Equal(t, MsgSlowDown, h.last("seller").Text)

	// gating happens before the flow stage
	h.press("seller", flow.ActSell)
	assert.Nil(t, h.session("seller"))
}

func TestTakeoverPrecedesAbuse(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Guard = abuse.NewGuard(abuse.Options{PerMinute: 1, Burst: 1, Cooldown: time.Hour})
	})
	h.press("seller", flow.ActSupport) // spends the only token
	h.press("admin", flow.ActClaim, "seller")
	h.say("seller", "vẫn gửi được")
	assert.Equal(t, "💬 seller: vẫn gửi được", h.last("admin").Text)
}

type walk struct {
	user   string
	start  string
	inputs []func(h *harness, user string)
}

func txt(s string) func(*harness, string) {
	return func(h *harness, u string) { h.say(u, s) }
}

func btn(action string, params ...string) func(*harness, string) {
	return func(h *harness, u string) { h.press(u, action, params...) }
}

func walks() map[session.Tag]walk {
	return map[session.Tag]walk{
		session.TagRegistration: {"newbie", flow.ActRegister, []func(*harness, string){
			txt("Nguyen Van A"), txt("0912345678"), btn(flow.ActLocation, "hn"),
		}},
		session.TagListing: {"seller", flow.ActSell, []func(*harness, string){
			btn(flow.ActCategory, "xe"), txt("Honda Wave 2019"), txt("12tr"),
			txt("Xe chính chủ, máy êm, giấy tờ đầy đủ"), btn(flow.ActLocation, "hcm"),
		}},
		session.TagSearch: {"visitor", flow.ActSearch, []func(*harness, string){
			btn(flow.ActCategory, flow.CategoryAll),
		}},
		session.TagPayment: {"seller", flow.ActPay, []func(*harness, string){
			btn(flow.ActPlan, "week"),
		}},
		session.TagCommunity: {"seller", flow.ActCommunity, []func(*harness, string){
			txt("Hỏi về giá xe"), txt("Xe Honda Wave đời 2019 giá bao nhiêu là hợp lý?"),
		}},
		session.TagAdmin: {"admin", flow.ActExtend, []func(*harness, string){
			txt("seller"), txt("30"),
		}},
	}
}

func TestCancelKeywordAtEveryStepOfEveryFlow(t *testing.T) {
	words := []string{"hủy", "Huỷ", "THOÁT", "cancel", "quit", "/cancel", "  Hủy  "}
	for tag, w := range walks() {
		for k := 0; k <= len(w.inputs); k++ {
			word := words[k%len(words)]
			t.Run(fmt.Sprintf("%s/step%d/%s", tag, k, word), func(t *testing.T) {
				h := newHarness(t)
				h.press(w.user, w.start)
				for _, in := range w.inputs[:k] {
					in(h, w.user)
				}
				s := h.session(w.user)
				require.NotNil(t, s)
				require.Equal(t, tag, s.Flow)
				require.Equal(t, k, s.Step)

				h.say(w.user, word)
				assert.Nil(t, h.session(w.user))
				assert.Equal(t, flow.MsgCancelled, h.last(w.user).Text)
			})
		}
	}
}

func TestCancelButtonAndNoSession(t *testing.T) {
	h := newHarness(t)
	h.press("seller", flow.ActSell)
	h.press("seller", flow.ActCancel)
	assert.Nil(t, h.session("seller"))
	assert.Equal(t, flow.MsgCancelled, h.last("seller").Text)

	h.press("seller", flow.ActCancel)
	assert.Equal(t, MsgNothingOpen, h.last("seller").Text)
	h.say("seller", "hủy")
	assert.Equal(t, MsgMenu, h.last("seller").Text)
}

func TestCancelWordsNeedExactMatch(t *testing.T) {
	h := newHarness(t)
	h.press("seller", flow.ActCommunity)
	h.say("seller", "Hủy hợp đồng thuê nhà")
	s := h.session("seller")
	require.NotNil(t, s)
	assert.Equal(t, 1, s.Step, "sentence containing a cancel word is ordinary input")
}

func TestUnknownFlowTagResetsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(h.ctx, &session.Session{
		UserID: "seller", Flow: "auction", Step: 1,
		Data: map[string]string{}, ExpiresAt: h.now.Add(time.Hour),
	}))
	h.say("seller", "xin chào")
	assert.Equal(t, MsgApology, h.last("seller").Text)
	assert.Nil(t, h.session("seller"))

	h.say("seller", "xin chào")
	assert.Equal(t, MsgMenu, h.last("seller").Text)
}

func TestOutOfRangeStepResetsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(h.ctx, &session.Session{
		UserID: "seller", Flow: session.TagSearch, Step: 7,
		Data: map[string]string{}, ExpiresAt: h.now.Add(time.Hour),
	}))
	h.say("seller", "honda")
	assert.Equal(t, MsgApology, h.last("seller").Text)
	assert.Nil(t, h.session("seller"))
}

func TestUnknownPostbackShowsMenu(t *testing.T) {
	h := newHarness(t)
	h.press("seller", "TELEPORT", "mars")
	m := h.last("seller")
	assert.Equal(t, MsgMenu, m.Text)
	assert.Contains(t, actions(m.Options), flow.ActSell)

	h.d.Dispatch(h.ctx, Event{ID: "x1", UserID: "newbie", IsPostback: true, Payload: "   "})
	m = h.last("newbie")
	assert.Equal(t, MsgWelcome, m.Text)
	assert.Contains(t, actions(m.Options), flow.ActRegister)

	// admin-only actions are unknown to everyone else
	h.press("seller", flow.ActApprove, "p1")
	assert.Equal(t, MsgMenu, h.last("seller").Text)
}

func TestLegacyPostbackStillRoutes(t *testing.T) {
	h := newHarness(t)
	h.d.Dispatch(h.ctx, Event{ID: "l1", UserID: "seller", IsPostback: true, Payload: "SELL"})
	h.d.Dispatch(h.ctx, Event{ID: "l2", UserID: "seller", IsPostback: true, Payload: "CATEGORY_xe"})
	s := h.session("seller")
	require.NotNil(t, s)
	assert.Equal(t, "xe", s.Get("category"))
}

func TestExpiredAccessIsGated(t *testing.T) {
	h := newHarness(t)
	h.addUser("late", h.now.Add(-time.Hour))

	h.say("late", "đăng tin")
	m := h.last("late")
	assert.Equal(t, MsgExpired, m.Text)
	assert.Contains(t, actions(m.Options), flow.ActPay)
	assert.Nil(t, h.session("late"))

	// paying stays possible
	h.press("late", flow.ActPay)
	s := h.session("late")
	require.NotNil(t, s)
	assert.Equal(t, session.TagPayment, s.Flow)

	// unregistered users are never gated
	h.say("newbie", "tìm kiếm")
	assert.Equal(t, session.TagSearch, h.session("newbie").Flow)
}

func TestReminderOncePerWindow(t *testing.T) {
	h := newHarness(t)
	h.addUser("soon", h.now.Add(10*time.Hour))

	h.say("soon", "tìm kiếm")
	assert.Contains(t, h.last("soon").Text, "sẽ hết hạn")
	assert.Nil(t, h.session("soon"))

	h.say("soon", "tìm kiếm")
	assert.Equal(t, session.TagSearch, h.session("soon").Flow)

	u, err := h.repo.GetUser(h.ctx, "soon")
	require.NoError(t, err)
	assert.Equal(t, h.now, u.RemindedAt)
}

func TestPaymentApproval(t *testing.T) {
	h := newHarness(t)
	h.press("seller", flow.ActPay)
	h.press("seller", flow.ActPlan, "month")
	h.press("seller", flow.ActPaid)
	payments := h.repo.Payments()
	require.Len(t, payments, 1)

	h.press("admin", flow.ActApprove, payments[0].ID)
	assert.Contains(t, h.last("seller").Text, "đã được duyệt")
	u, err := h.repo.GetUser(h.ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, h.now.AddDate(0, 0, 35), u.PaidUntil)

	h.press("admin2", flow.ActApprove, payments[0].ID)
	assert.Contains(t, h.last("admin2").Text, "trước đó")
	h.press("admin2", flow.ActApprove, "missing")
	assert.Contains(t, h.last("admin2").Text, "Không tìm thấy")
}

func TestListingDetails(t *testing.T) {
	h := newHarness(t)
	l := &repo.Listing{SellerID: "seller", Category: "xe", Title: "Vespa Sprint", Price: 68_000_000, Location: "Hà Nội", Description: "Xe đẹp như mới"}
	require.NoError(t, h.repo.CreateListing(h.ctx, l))
	h.press("newbie", flow.ActListing, l.ID)
	assert.True(t, strings.HasPrefix(h.last("newbie").Text, "📦 Vespa Sprint\n💰 68.000.000đ"))
	h.press("newbie", flow.ActListing, "gone")
	assert.Equal(t, msgNoListing, h.last("newbie").Text)
}

func TestDuplicateEventsAreDropped(t *testing.T) {
	h := newHarness(t)
	ev := Event{ID: "upd-42", UserID: "newbie", Text: "đăng ký"}
	h.d.Dispatch(h.ctx, ev)
	h.d.Dispatch(h.ctx, ev)
	assert.Len(t, h.gw.To("newbie"), 1)
	assert.Equal(t, 0, h.session("newbie").Step)
}

func TestEventsWithoutIDAreNotDeduplicated(t *testing.T) {
	h := newHarness(t)
	h.d.Dispatch(h.ctx, Event{UserID: "newbie", Text: "xin chào"})
	require.Len(t, h.gw.To("newbie"), 1)

	h.d.Dispatch(h.ctx, Event{UserID: "newbie", Text: "đăng ký"})
	require.Len(t, h.gw.To("newbie"), 2)
	assert.Contains(t, h.last("newbie").Text, "Bạn tên là gì")
	s := h.session("newbie")
	require.NotNil(t, s)
	assert.Equal(t, session.TagRegistration, s.Flow)
}

func TestRedeliveryAfterPanicIsProcessed(t *testing.T) {
	h := newHarness(t)
	ev := Event{ID: "upd-7", UserID: "boom", Text: "xin chào"}
	h.d.Dispatch(h.ctx, ev)
	h.d.Dispatch(h.ctx, ev)
	apologies := 0
	for _, m := range h.gw.To("boom") {
		if m.Text == MsgApology {
			apologies++
		}
	}
	assert.Equal(t, 2, apologies)
}

func TestPanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() { h.say("boom", "xin chào") })
	assert.Equal(t, MsgApology, h.last("boom").Text)
	assert.Equal(t, 0, h.d.locks.size(), "lock released after panic")
}

func TestEmptyUserIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.d.Dispatch(h.ctx, Event{ID: "1", Text: "hi"})
	assert.Empty(t, h.gw.Messages())
}

func TestConcurrentStartsCollapseThroughDispatch(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.say("newbie", "đăng ký")
		}()
	}
	wg.Wait()
	s := h.session("newbie")
	require.NotNil(t, s)
	assert.Equal(t, session.TagRegistration, s.Flow)
}

func TestUserLocksSerialise(t *testing.T) {
	l := newUserLocks()
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("u1")
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 0, l.size())
}
