package augment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/resilience"
)

type fakeProvider struct {
	name      string
	available bool
	reply     string
	err       error
	block     bool
	calls     atomic.Int32
}

func (f *fakeProvider) Name() string      { return f.name }
func (f *fakeProvider) IsAvailable() bool { return f.available }

func (f *fakeProvider) Generate(ctx context.Context, _ Prompt) (Completion, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return Completion{}, ctx.Err()
	}
	if f.err != nil {
		return Completion{}, f.err
	}
	return Completion{Text: f.reply}, nil
}

func (f *fakeProvider) Health(context.Context) Status {
	return Status{Name: f.name, Available: f.available}
}

func searchOnlyStrategy(res *resilience.Manager, timeout time.Duration) {
	res.RegisterStrategy(resilience.RequestSearch, resilience.Strategy{
		PrimaryTimeout: timeout,
		Secondaries:    []string{SecondaryProvider, BasicSearch},
	})
}

func TestSearchPrimaryTimeoutFallsBackToBasicSearch(t *testing.T) {
	res := resilience.NewManager(resilience.DefaultBreakerConfig())
	searchOnlyStrategy(res, 30*time.Millisecond)

	listings := repo.NewMemory()
	require.NoError(t, listings.CreateListing(context.Background(), &repo.Listing{
		Category: "vehicles", Title: "Xe đạp địa hình", Price: 2500000, Description: "Đi ít, còn mới", Location: "hcm", CreatedAt: time.Now(),
	}))

	slow := &fakeProvider{name: "main", available: true, block: true}
	svc := NewService(res, listings, slow)

	got := svc.SearchSuggestions(context.Background(), "u1", "all", "xe dap")
	assert.Equal(t, BasicSearch, got.Source)
	assert.True(t, got.Degraded)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "Xe đạp địa hình - 2.500.000đ (hcm)", got.Items[0])
}

func TestSearchWithNothingReturnsTemplatedDefault(t *testing.T) {
	res := resilience.NewManager(resilience.DefaultBreakerConfig())
	svc := NewService(res, repo.NewMemory())

	got := svc.SearchSuggestions(context.Background(), "u1", "", "laptop")
	assert.Equal(t, "default", got.Source)
	assert.NotEmpty(t, got.Items)
}

func TestPrimaryProviderListParsing(t *testing.T) {
	res := resilience.NewManager(resilience.DefaultBreakerConfig())
	p := &fakeProvider{name: "main", available: true, reply: "1. xe đạp cũ\n2. xe đạp trẻ em\n\n- xe đạp gấp"}
	svc := NewService(res, repo.NewMemory(), p)

	got := svc.SearchSuggestions(context.Background(), "u1", "", "xe đạp")
	assert.False(t, got.Degraded)
	assert.Equal(t, []string{"xe đạp cũ", "xe đạp trẻ em", "xe đạp gấp"}, got.Items)
}

type brokenListings struct{}

func (brokenListings) SearchListings(context.Context, repo.ListingQuery) ([]repo.Listing, error) {
	return nil, errors.New("database is down")
}

func TestHealthyProviderSearchLeadsWithListings(t *testing.T) {
	ctx := context.Background()
	res := resilience.NewManager(resilience.DefaultBreakerConfig())
	listings := repo.NewMemory()
	vespa := &repo.Listing{Category: "xe", Title: "Vespa Sprint 2020", Price: 68_000_000, Location: "Hà Nội", CreatedAt: time.Now()}
	require.NoError(t, listings.CreateListing(ctx, vespa))
	p := &fakeProvider{name: "main", available: true, reply: "vespa cu\nvespa sprint gia re"}
	svc := NewService(res, listings, p)

	got := svc.SearchSuggestions(ctx, "u", "xe", "vespa")
	assert.False(t, got.Degraded)
	assert.Equal(t, "main", got.Source)
	assert.Equal(t, []string{vespa.Summary(), "Thử tìm: vespa cu", "Thử tìm: vespa sprint gia re"}, got.Items)
	assert.Contains(t, got.Text, "Tin đăng phù hợp")

	got = svc.SearchSuggestions(ctx, "u", "nhadat", "vespa")
	assert.Equal(t, []string{"vespa cu", "vespa sprint gia re"}, got.Items)
	assert.True(t, strings.HasPrefix(got.Text, "Không tìm thấy tin đăng nào"))
}

func TestSearchKeepsSuggestionsWhenListingsFail(t *testing.T) {
	res := resilience.NewManager(resilience.DefaultBreakerConfig())
	p := &fakeProvider{name: "main", available: true, reply: "vespa cu"}
	svc := NewService(res, brokenListings{}, p)

	got := svc.SearchSuggestions(context.Background(), "u", "xe", "vespa")
	assert.False(t, got.Degraded)
	assert.Equal(t, "Gợi ý tìm kiếm:", got.Text)
	assert.Equal(t, []string{"vespa cu"}, got.Items)
}

func TestSecondaryProviderUsedWhenPrimaryFails(t *testing.T) {
	res := resilience.NewManager(resilience.DefaultBreakerConfig())
	first := &fakeProvider{name: "a", available: true, err: errors.New("rate limited")}
	offline := &fakeProvider{name: "b", available: false}
	second := &fakeProvider{name: "c", available: true, reply: "Nên kiểm tra kỹ trước khi mua."}
	svc := NewService(res, nil, first, offline, second)

	got := svc.ChatReply(context.Background(), "u1", "Mua xe cũ cần lưu ý gì?")
	assert.Equal(t, SecondaryProvider, got.Source)
	assert.Equal(t, "Nên kiểm tra kỹ trước khi mua.", got.Text)
	assert.Equal(t, int32(0), offline.calls.Load())
}

func TestEnhanceDescriptionFallsBackToOwnText(t *testing.T) {
	res := resilience.NewManager(resilience.DefaultBreakerConfig())
	svc := NewService(res, nil, &fakeProvider{name: "a", available: true, err: errors.New("policy")})

	got := svc.EnhanceDescription(context.Background(), "u1", "Xe đạp", "Xe còn mới, ít đi")
	assert.Equal(t, "Xe còn mới, ít đi", got.Text)
	assert.True(t, got.Degraded)
}

func TestBreakerStopsCallingFailingProvider(t *testing.T) {
	res := resilience.NewManager(resilience.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour, HalfOpenTimeout: time.Second})
	p := &fakeProvider{name: "a", available: true, err: errors.New("down")}
	svc := NewService(res, nil, p)

	for i := 0; i < 5; i++ {
		_ = svc.ChatReply(context.Background(), "u1", "xin chào")
	}
	assert.Equal(t, int32(2), p.calls.Load())

	health := svc.Health(context.Background())
	require.Len(t, health, 1)
	assert.Equal(t, string(resilience.StateOpen), health[0].Breaker)
}

func TestNewServiceKeepsConfiguredStrategies(t *testing.T) {
	res := resilience.NewManager(resilience.DefaultBreakerConfig())
	res.RegisterStrategy(resilience.RequestChat, resilience.Strategy{PrimaryTimeout: time.Second})
	NewService(res, nil)

	chat, _ := res.Strategy(resilience.RequestChat)
	assert.Empty(t, chat.Secondaries)
	search, ok := res.Strategy(resilience.RequestSearch)
	require.True(t, ok)
	assert.Equal(t, []string{SecondaryProvider, BasicSearch}, search.Secondaries)
}

func TestHTTPProviderGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
		}
		_, _ = w.Write([]byte(`{"model":"m","choices":[{"message":{"role":"assistant","content":"  xin chào "}}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(coreconfig.ProviderConfig{Name: "main", BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "m", TimeoutMS: 2000}, nil)
	c, err := p.Generate(context.Background(), Prompt{System: "s", User: "u"})
	require.NoError(t, err)
	assert.Equal(t, "xin chào", c.Text)
	assert.Equal(t, "m", c.Model)
}

func TestHTTPProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"bad key"}`))
		case "/models":
			_, _ = w.Write([]byte(`{"data":[]}`))
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(coreconfig.ProviderConfig{Name: "main", BaseURL: srv.URL, TimeoutMS: 2000}, srv.Client())
	_, err := p.Generate(context.Background(), Prompt{User: "u"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)

	st := p.Health(context.Background())
	assert.True(t, st.Available)
	assert.Empty(t, st.Error)
}

func TestSplitItems(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitItems("1) a\n* b\n", 5))
	assert.Len(t, splitItems("a\nb\nc", 2), 2)
	assert.Empty(t, splitItems("\n \n", 5))
}
