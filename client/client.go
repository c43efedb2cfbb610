// Package client is the resilient HTTP layer shared by every workflow step.
// It owns the cookie jar of the borrowed browser session, follows redirects,
// and retries rate-limited requests with exponential backoff.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"quizrunner/metrics"
)

const (
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
)

// NetworkError reports a non-2xx response. Only status 429 is retried.
type NetworkError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// Param is one query or form parameter. Slices of Param keep insertion
// order, which url.Values would destroy.
type Param struct {
	Name  string
	Value string
}

// Options describes a single request. The zero value is a plain GET.
type Options struct {
	Method      string
	Body        []byte
	ContentType string
}

// Response is the fully-read result of a request. FinalURL is the URL the
// client landed on after following redirects.
type Response struct {
	StatusCode int
	Body       []byte
	FinalURL   string
	Header     http.Header
}

type Config struct {
	// BaseURL is the origin of the learning platform, e.g. "https://lms.example.edu".
	BaseURL string
	// Cookies are the caller's browser session cookies, seeded into the jar
	// for the base origin.
	Cookies    []*http.Cookie
	MaxRetries int
	Timeout    time.Duration
	// Sleep is the backoff wait. Tests inject it to assert the schedule.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Client struct {
	hc         *http.Client
	base       *url.URL
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base url %q is not absolute", cfg.BaseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if len(cfg.Cookies) > 0 {
		jar.SetCookies(base, cfg.Cookies)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Client{
		hc: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		base:       base,
		maxRetries: maxRetries,
		sleep:      sleep,
	}, nil
}

// Send performs the request and returns the fully-read response. Non-2xx
// statuses are failures; 429 is retried with delays of 1s, 2s, 4s, ... until
// the retry budget is spent, every other failure propagates immediately.
func (c *Client) Send(ctx context.Context, rawURL string, opt Options) (*Response, error) {
	remaining := c.maxRetries
	for {
		resp, err := c.do(ctx, rawURL, opt)
		if err == nil {
			return resp, nil
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) || netErr.StatusCode != http.StatusTooManyRequests || remaining <= 0 {
			return nil, err
		}

		delay := time.Duration(1<<uint(c.maxRetries-remaining)) * time.Second
		metrics.ObserveRetry()
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		remaining--
	}
}

func (c *Client) do(ctx context.Context, rawURL string, opt Options) (*Response, error) {
	method := opt.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(opt.Body) > 0 {
		body = bytes.NewReader(opt.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if opt.ContentType != "" {
		req.Header.Set("Content-Type", opt.ContentType)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	metrics.ObserveRequest(method, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{
			Method:     method,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       data,
		FinalURL:   resp.Request.URL.String(),
		Header:     resp.Header,
	}, nil
}

// BuildURL resolves path against the base origin and appends params in
// insertion order. Pure; identical inputs yield identical strings.
func (c *Client) BuildURL(path string, params []Param) string {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	u := c.base.ResolveReference(ref)

	var b strings.Builder
	b.WriteString(u.String())
	sep := "?"
	if u.RawQuery != "" {
		sep = "&"
	}
	for _, p := range params {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(p.Value))
		sep = "&"
	}
	return b.String()
}

// EncodeForm renders an ordered application/x-www-form-urlencoded body.
func EncodeForm(params []Param) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteString("&")
		}
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
