package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/marketbot/core/augment"
	"github.com/m3rciful/marketbot/core/dispatch"
	"github.com/m3rciful/marketbot/core/resilience"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev dispatch.Event) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

type staticCircuits []resilience.CircuitState

func (c staticCircuits) Snapshot() []resilience.CircuitState { return c }

type staticProviders []augment.Status

func (p staticProviders) Health(context.Context) []augment.Status { return p }

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := New(Options{})
	rec := do(t, s.Handler(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusCircuits(t *testing.T) {
	s := New(Options{Circuits: staticCircuits{
		{Key: "openai", State: resilience.StateOpen, ConsecutiveFailures: 5},
	}})
	rec := do(t, s.Handler(), http.MethodGet, "/status/circuits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Circuits []resilience.CircuitState `json:"circuits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Circuits, 1)
	assert.Equal(t, resilience.StateOpen, body.Circuits[0].State)
	assert.Equal(t, 5, body.Circuits[0].ConsecutiveFailures)
}

func TestStatusEmptyWhenUnwired(t *testing.T) {
	s := New(Options{})
	rec := do(t, s.Handler(), http.MethodGet, "/status/providers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"providers":[]}`, rec.Body.String())
}

func TestStatusProviders(t *testing.T) {
	s := New(Options{Providers: staticProviders{{Name: "local", Available: true, Breaker: "CLOSED"}}})
	rec := do(t, s.Handler(), http.MethodGet, "/status/providers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"local"`)
}

func TestEventsAccepted(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(Options{Dispatcher: d})

	rec := do(t, s.Handler(), http.MethodPost, "/events",
		`{"id":"e1","user_id":" 42 ","text":"đăng ký"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, d.events, 1)
	assert.Equal(t, "42", d.events[0].UserID)
	assert.Equal(t, "đăng ký", d.events[0].Text)
	assert.Equal(t, "e1", d.events[0].ID)
}

func TestEventsPostback(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(Options{Dispatcher: d})

	rec := do(t, s.Handler(), http.MethodPost, "/events",
		`{"user_id":"42","is_postback":true,"payload":"LOCATION|hn"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, d.events, 1)
	assert.True(t, d.events[0].IsPostback)
	assert.Equal(t, "LOCATION|hn", d.events[0].Payload)
	assert.NotEmpty(t, d.events[0].ID)
}

func TestEventsRejectsBadInput(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(Options{Dispatcher: d})

	cases := map[string]string{
		"malformed":     `{"user_id":`,
		"empty user":    `{"user_id":"  ","text":"hi"}`,
		"unknown field": `{"user_id":"1","foo":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/events", body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, d.events)
}

func TestEventsToken(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(Options{Dispatcher: d, EventsToken: "s3cret"})
	body := `{"user_id":"1","text":"menu"}`

	rec := do(t, s.Handler(), http.MethodPost, "/events", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s.Handler(), http.MethodPost, "/events", body, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s.Handler(), http.MethodPost, "/events", body, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, d.events, 1)
}

func TestEventsWithoutDispatcher(t *testing.T) {
	s := New(Options{})
	rec := do(t, s.Handler(), http.MethodPost, "/events", `{"user_id":"1"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
