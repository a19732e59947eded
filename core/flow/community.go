package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/session"
)

// Community posts a question to the community board with a drafted reply.
type Community struct {
	*script
}

func newCommunity(e *Engine) *Community {
	f := &Community{}
	f.script = &script{
		e:      e,
		tag:    session.TagCommunity,
		denied: "Bạn cần đăng ký tài khoản trước khi đăng bài cộng đồng.",
		steps: []step{
			{ask: askText("💬 Chủ đề bài viết? (ít nhất 5 ký tự)"), text: f.topic},
			{ask: askText("📝 Nội dung bài viết? (ít nhất 10 ký tự)"), text: f.body},
			{ask: f.confirmPrompt, choice: f.confirm},
		},
		finish: f.finish,
	}
	return f
}

// CanHandle admits registered users.
func (f *Community) CanHandle(_ context.Context, a Actor, _ *session.Session) bool {
	return a.Registered()
}

func (f *Community) topic(_ context.Context, _ Actor, in string, _ *session.Session) (map[string]string, error) {
	if !lengthBetween(in, 5, 120) {
		return nil, invalid("Chủ đề cần từ 5 đến 120 ký tự.")
	}
	return map[string]string{"topic": strings.TrimSpace(in)}, nil
}

func (f *Community) body(ctx context.Context, a Actor, in string, _ *session.Session) (map[string]string, error) {
	if !lengthBetween(in, 10, 2000) {
		return nil, invalid("Nội dung cần từ 10 đến 2000 ký tự.")
	}
	fields := map[string]string{"body": strings.TrimSpace(in)}
	if f.e.d.Augment != nil {
		_ = f.e.d.Gateway.SendTyping(ctx, a.UserID)
		if res := f.e.d.Augment.ChatReply(ctx, a.UserID, in); strings.TrimSpace(res.Text) != "" {
			fields["suggested"] = strings.TrimSpace(res.Text)
		}
	}
	return fields, nil
}

func (f *Community) confirmPrompt(_ context.Context, _ Actor, s *session.Session) (string, []gateway.Option) {
	text := fmt.Sprintf("Xem lại bài viết:\n💬 %s\n\n%s", s.Get("topic"), s.Get("body"))
	if r := s.Get("suggested"); r != "" {
		text += "\n\n🤖 Gợi ý trả lời: " + r
	}
	return text, []gateway.Option{
		gateway.Opt("✅ Đăng bài", ActConfirm),
		gateway.Opt("✏️ Sửa chủ đề", ActStep, "0"),
		gateway.Opt("✏️ Sửa nội dung", ActStep, "1"),
		cancelOption(),
	}
}

func (f *Community) finish(ctx context.Context, a Actor, s *session.Session) (string, []gateway.Option, error) {
	p := &repo.CommunityPost{
		UserID:         a.UserID,
		Topic:          s.Get("topic"),
		Body:           s.Get("body"),
		SuggestedReply: s.Get("suggested"),
		CreatedAt:      f.e.d.Now(),
	}
	if err := f.e.d.Repo.CreatePost(ctx, p); err != nil {
		return "", nil, err
	}
	return "✅ Bài viết đã được đăng lên cộng đồng.", []gateway.Option{
		gateway.Opt("💬 Viết bài khác", ActCommunity),
		menuOption(),
	}, nil
}
