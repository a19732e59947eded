package netutil

import (
	"io"
	"net"
	"net/http"
	"time"
)

// ClientOptions tunes NewClient. Zero fields take the defaults below.
type ClientOptions struct {
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	ClientTimeout   time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	// RetryStatuses also retries responses with a RetryableStatus code.
	RetryStatuses bool
}

const (
	defaultDialTimeout       = 5 * time.Second
	defaultTLSHandshake      = 5 * time.Second
	defaultIdleConnTimeout   = 30 * time.Second
	defaultResponseTimeout   = 5 * time.Second
	defaultClientTimeout     = 30 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
	defaultRetryBackoff      = 2 * time.Second
)

// NewClient returns an HTTP client with a tuned transport that retries
// transient failures with linear backoff.
func NewClient(opts ClientOptions) *http.Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = defaultResponseTimeout
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = defaultClientTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.DialTimeout, KeepAlive: defaultKeepAliveInterval}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshake,
		ResponseHeaderTimeout: opts.ResponseTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout: opts.ClientTimeout,
		Transport: &RetryTransport{
			Base:          transport,
			MaxRetries:    opts.MaxRetries,
			Backoff:       opts.RetryBackoff,
			RetryStatuses: opts.RetryStatuses,
		},
	}
}

// RetryTransport retries requests that failed with a transient error.
// Requests with a body are retried only when GetBody is set.
type RetryTransport struct {
	Base          http.RoundTripper
	MaxRetries    int
	Backoff       time.Duration
	RetryStatuses bool
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	attempts := t.MaxRetries + 1
	var (
		lastErr  error
		lastResp *http.Response
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		currReq := req
		if attempt > 1 {
			currReq = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				currReq.Body = body
			} else if req.Body != nil && req.Body != http.NoBody {
				break
			}
		}

		resp, err := base.RoundTrip(currReq)
		if err == nil {
			if !t.RetryStatuses || !RetryableStatus(resp.StatusCode) || attempt == attempts {
				drain(lastResp)
				return resp, nil
			}
			drain(lastResp)
			lastResp, lastErr = resp, nil
		} else {
			lastErr = err
			if !ShouldRetry(err) || attempt == attempts {
				break
			}
		}

		delay := t.Backoff * time.Duration(attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			drain(lastResp)
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}

	if lastResp != nil && lastErr == nil {
		return lastResp, nil
	}
	drain(lastResp)
	return nil, lastErr
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}
