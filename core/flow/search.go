package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/postback"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/resilience"
	"github.com/m3rciful/marketbot/core/session"
)

// Search looks up listings by category and keyword. Anyone may search.
type Search struct {
	*script
}

var searchCategories = append([]choice{{CategoryAll, "🗂 Tất cả danh mục"}}, categories...)

func newSearch(e *Engine) *Search {
	f := &Search{}
	f.script = &script{
		e:   e,
		tag: session.TagSearch,
		steps: []step{
			{ask: askChoice("🔍 Bạn muốn tìm trong danh mục nào?", ActCategory, searchCategories), choice: f.category},
			{ask: askText("⌨️ Nhập từ khóa tìm kiếm (ít nhất 2 ký tự):"), text: f.keyword},
		},
		finish: f.finish,
	}
	return f
}

// CanHandle admits everyone.
func (f *Search) CanHandle(context.Context, Actor, *session.Session) bool {
	return true
}

func (f *Search) category(_ context.Context, _ Actor, p postback.Payload, _ *session.Session) (map[string]string, error) {
	if _, ok := lookup(searchCategories, p.Param(0)); !p.Is(ActCategory) || !ok {
		return nil, invalid(MsgChoose)
	}
	return map[string]string{"category": p.Param(0)}, nil
}

func (f *Search) keyword(_ context.Context, _ Actor, in string, _ *session.Session) (map[string]string, error) {
	if !lengthBetween(in, 2, 100) {
		return nil, invalid("Từ khóa cần ít nhất 2 ký tự.")
	}
	return map[string]string{"keyword": strings.TrimSpace(in)}, nil
}

func (f *Search) finish(ctx context.Context, a Actor, s *session.Session) (string, []gateway.Option, error) {
	category, keyword := s.Get("category"), s.Get("keyword")
	_ = f.e.d.Gateway.SendTyping(ctx, a.UserID)

	var res resilience.Result
	if f.e.d.Augment != nil {
		res = f.e.d.Augment.SearchSuggestions(ctx, a.UserID, category, keyword)
	} else {
		found, err := f.e.d.Repo.SearchListings(ctx, repo.ListingQuery{Category: category, Keyword: keyword})
		if err != nil {
			return "", nil, err
		}
		res = resilience.Result{Text: fmt.Sprintf("Tin đăng phù hợp với \"%s\":", keyword)}
		for _, l := range found {
			res.Items = append(res.Items, l.Summary())
		}
		if len(found) == 0 {
			res.Text = fmt.Sprintf("Không tìm thấy tin đăng nào cho \"%s\".", keyword)
		}
	}
	return renderResult(res), []gateway.Option{
		gateway.Opt("🔍 Tìm tiếp", ActSearch),
		menuOption(),
	}, nil
}

func renderResult(res resilience.Result) string {
	var b strings.Builder
	b.WriteString(res.Text)
	for i, item := range res.Items {
		fmt.Fprintf(&b, "\n%d. %s", i+1, item)
	}
	return b.String()
}
