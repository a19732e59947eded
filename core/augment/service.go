package augment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/resilience"
)

// Names of the secondary strategies registered by NewService.
const (
	SecondaryProvider = "secondary_provider"
	BasicSearch       = "basic_search"
)

// ErrNoProvider is returned by the primary op when no provider is available.
var ErrNoProvider = errors.New("augment: no provider available")

// ListingSearcher is the slice of the repository used by basic_search.
type ListingSearcher interface {
	SearchListings(ctx context.Context, q repo.ListingQuery) ([]repo.Listing, error)
}

// Service exposes the augmentation features used by flows.
type Service struct {
	res       *resilience.Manager
	listings  ListingSearcher
	providers []Provider
}

// NewService registers the secondary strategies on res and fills in a
// strategy for every request type the configuration left out.
func NewService(res *resilience.Manager, listings ListingSearcher, providers ...Provider) *Service {
	s := &Service{res: res, listings: listings, providers: providers}

	res.RegisterSecondary(SecondaryProvider, s.secondaryProvider)
	res.RegisterSecondary(BasicSearch, s.basicSearch)

	defaults := map[resilience.RequestType]resilience.Strategy{
		resilience.RequestSearch:      {PrimaryTimeout: 3 * time.Second, Secondaries: []string{SecondaryProvider, BasicSearch}},
		resilience.RequestChat:        {PrimaryTimeout: 4 * time.Second, Secondaries: []string{SecondaryProvider}},
		resilience.RequestDescription: {PrimaryTimeout: 5 * time.Second, Secondaries: []string{SecondaryProvider}},
	}
	for t, st := range defaults {
		if _, ok := res.Strategy(t); !ok {
			res.RegisterStrategy(t, st)
		}
	}
	return s
}

// Manager returns the resilience manager the service runs on.
func (s *Service) Manager() *resilience.Manager {
	return s.res
}

// SearchSuggestions returns listings or suggestions for a search query.
func (s *Service) SearchSuggestions(ctx context.Context, userID, category, query string) resilience.Result {
	req := resilience.Request{UserID: userID, Category: category, Query: query}
	prompt := Prompt{
		System:    "Bạn là trợ lý chợ mua bán. Gợi ý tối đa 5 cụm từ tìm kiếm ngắn, mỗi dòng một cụm.",
		User:      fmt.Sprintf("Danh mục: %s\nTừ khóa: %s", categoryLabel(category), query),
		MaxTokens: 200,
	}
	suggest := s.primary(prompt, true)
	primary := func(ctx context.Context) (resilience.Result, error) {
		res, err := suggest(ctx)
		if err != nil {
			return resilience.Result{}, err
		}
		return s.withListings(ctx, req, res), nil
	}
	return s.res.ExecuteWithFallback(ctx, primary, resilience.RequestSearch, req)
}

// ChatReply drafts a reply to a community post.
func (s *Service) ChatReply(ctx context.Context, userID, text string) resilience.Result {
	req := resilience.Request{UserID: userID, Text: text}
	prompt := Prompt{
		System:    "Bạn là thành viên thân thiện của cộng đồng mua bán. Trả lời ngắn gọn, hữu ích, tối đa 3 câu.",
		User:      text,
		MaxTokens: 250,
	}
	return s.res.ExecuteWithFallback(ctx, s.primary(prompt, false), resilience.RequestChat, req)
}

// EnhanceDescription polishes a listing description. The fallback is the
// user's own text.
func (s *Service) EnhanceDescription(ctx context.Context, userID, title, text string) resilience.Result {
	req := resilience.Request{UserID: userID, Query: title, Text: text}
	prompt := Prompt{
		System:    "Viết lại mô tả sản phẩm cho rõ ràng, hấp dẫn, giữ nguyên thông tin, không thêm chi tiết mới. Tối đa 80 từ.",
		User:      fmt.Sprintf("Tiêu đề: %s\nMô tả: %s", title, text),
		MaxTokens: 300,
	}
	return s.res.ExecuteWithFallback(ctx, s.primary(prompt, false), resilience.RequestDescription, req)
}

// Health reports every provider with its breaker state.
func (s *Service) Health(ctx context.Context) []Status {
	out := make([]Status, 0, len(s.providers))
	for _, p := range s.providers {
		st := p.Health(ctx)
		st.Name = p.Name()
		st.Breaker = string(s.res.Circuit(breakerKey(p)).State)
		out = append(out, st)
	}
	return out
}

func (s *Service) primary(prompt Prompt, list bool) resilience.Op {
	return func(ctx context.Context) (resilience.Result, error) {
		for _, p := range s.providers {
			if p.IsAvailable() {
				return s.generate(ctx, p, prompt, list)
			}
		}
		return resilience.Result{}, ErrNoProvider
	}
}

// secondaryProvider tries every available provider after the first one.
func (s *Service) secondaryProvider(ctx context.Context, req resilience.Request) (resilience.Result, error) {
	prompt, list := promptFor(req)
	skipped := false
	var errs []error
	for _, p := range s.providers {
		if !p.IsAvailable() {
			continue
		}
		if !skipped {
			// the first available provider is the primary
			skipped = true
			continue
		}
		res, err := s.generate(ctx, p, prompt, list)
		if err == nil {
			if list {
				res = s.withListings(ctx, req, res)
			}
			return res, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return resilience.Result{}, ErrNoProvider
	}
	return resilience.Result{}, errors.Join(errs...)
}

// basicSearch answers search requests straight from the listing table.
func (s *Service) basicSearch(ctx context.Context, req resilience.Request) (resilience.Result, error) {
	if s.listings == nil {
		return resilience.Result{}, errors.New("augment: no listing source")
	}
	found, err := s.listings.SearchListings(ctx, repo.ListingQuery{Category: req.Category, Keyword: req.Query})
	if err != nil {
		return resilience.Result{}, err
	}
	if len(found) == 0 {
		return resilience.Result{}, resilience.ErrEmptyResult
	}
	items := make([]string, 0, len(found))
	for _, l := range found {
		items = append(items, l.Summary())
	}
	return resilience.Result{
		Text:  fmt.Sprintf("Tin đăng phù hợp với \"%s\":", req.Query),
		Items: items,
	}, nil
}

// withListings puts the listings matching req ahead of the provider's search
// suggestions. A failing listing source leaves the suggestions alone.
func (s *Service) withListings(ctx context.Context, req resilience.Request, sugg resilience.Result) resilience.Result {
	if s.listings == nil {
		return sugg
	}
	found, err := s.listings.SearchListings(ctx, repo.ListingQuery{Category: req.Category, Keyword: req.Query})
	if err != nil {
		logger.Warn(ctx, "augment", "search.listings", slog.String("status", "fail"), logger.Err(err))
		return sugg
	}
	if len(found) == 0 {
		sugg.Text = fmt.Sprintf("Không tìm thấy tin đăng nào cho \"%s\". Gợi ý tìm kiếm:", req.Query)
		return sugg
	}
	items := make([]string, 0, len(found)+len(sugg.Items))
	for _, l := range found {
		items = append(items, l.Summary())
	}
	for _, q := range sugg.Items {
		items = append(items, "Thử tìm: "+q)
	}
	sugg.Text = fmt.Sprintf("Tin đăng phù hợp với \"%s\":", req.Query)
	sugg.Items = items
	return sugg
}

func (s *Service) generate(ctx context.Context, p Provider, prompt Prompt, list bool) (resilience.Result, error) {
	start := time.Now()
	res, err := s.res.ExecuteWithCircuitBreaker(ctx, func(ctx context.Context) (resilience.Result, error) {
		c, err := p.Generate(ctx, prompt)
		if err != nil {
			return resilience.Result{}, err
		}
		if list {
			items := splitItems(c.Text, 5)
			if len(items) == 0 {
				return resilience.Result{}, resilience.ErrEmptyResult
			}
			return resilience.Result{Text: "Gợi ý tìm kiếm:", Items: items, Source: p.Name()}, nil
		}
		return resilience.Result{Text: c.Text, Source: p.Name()}, nil
	}, breakerKey(p))

	status := "ok"
	if err != nil {
		status = "fail"
	}
	logger.Debug(ctx, "augment", "provider.generate",
		slog.String("status", status),
		slog.String("provider", p.Name()),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
		logger.Err(err),
	)
	return res, err
}

func breakerKey(p Provider) string {
	return "provider:" + p.Name()
}

// promptFor rebuilds a prompt for secondaries, which only see the request.
func promptFor(req resilience.Request) (Prompt, bool) {
	switch {
	case req.Query != "" && req.Text == "":
		return Prompt{
			System: "Gợi ý tối đa 5 cụm từ tìm kiếm ngắn, mỗi dòng một cụm.",
			User:   fmt.Sprintf("Danh mục: %s\nTừ khóa: %s", categoryLabel(req.Category), req.Query),
		}, true
	case req.Query != "":
		return Prompt{
			System: "Viết lại mô tả sản phẩm cho rõ ràng, giữ nguyên thông tin. Tối đa 80 từ.",
			User:   fmt.Sprintf("Tiêu đề: %s\nMô tả: %s", req.Query, req.Text),
		}, false
	default:
		return Prompt{System: "Trả lời ngắn gọn, hữu ích, tối đa 3 câu.", User: req.Text}, false
	}
}

func splitItems(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789.) ")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == limit {
			break
		}
	}
	return out
}

func categoryLabel(c string) string {
	if c == "" || c == "all" {
		return "tất cả"
	}
	return c
}
