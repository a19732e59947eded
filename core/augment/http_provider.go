package augment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/netutil"
)

// ErrNoChoices is returned when a provider answers without any completion.
var ErrNoChoices = errors.New("augment: provider returned no choices")

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("augment: provider status %d: %s", e.Code, e.Body)
}

// HTTPProvider talks to an OpenAI-compatible chat completions endpoint.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPProvider builds a provider from its config entry. A nil client gets
// a retrying client bounded by the configured timeout.
func NewHTTPProvider(cfg coreconfig.ProviderConfig, client *http.Client) *HTTPProvider {
	if client == nil {
		timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
		client = netutil.NewClient(netutil.ClientOptions{
			ResponseTimeout: timeout,
			ClientTimeout:   timeout,
			MaxRetries:      1,
			RetryBackoff:    200 * time.Millisecond,
			RetryStatuses:   true,
		})
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		client:  client,
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// IsAvailable reports whether the provider is configured well enough to call.
func (p *HTTPProvider) IsAvailable() bool {
	return p.baseURL != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate posts the prompt to /chat/completions.
func (p *HTTPProvider) Generate(ctx context.Context, prompt Prompt) (Completion, error) {
	var msgs []chatMessage
	if prompt.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: prompt.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt.User})

	body, err := json.Marshal(chatRequest{Model: p.model, Messages: msgs, MaxTokens: prompt.MaxTokens})
	if err != nil {
		return Completion{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return Completion{}, err
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Completion{}, fmt.Errorf("augment: decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return Completion{}, ErrNoChoices
	}
	return Completion{Text: strings.TrimSpace(out.Choices[0].Message.Content), Model: out.Model}, nil
}

// Health probes GET /models.
func (p *HTTPProvider) Health(ctx context.Context) Status {
	st := Status{Name: p.name, Available: p.IsAvailable()}
	if !st.Available {
		st.Error = "not configured"
		return st
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		st.Available = false
		st.Error = err.Error()
		return st
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	st.LatencyMS = elapsedMS(start)
	if err != nil {
		st.Available = false
		st.Error = err.Error()
		return st
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		st.Available = false
		st.Error = err.Error()
	}
	return st
}

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
