package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int, sleep func(context.Context, time.Duration) error) *Client {
	t.Helper()

	c, err := New(Config{
		BaseURL:    baseURL,
		MaxRetries: maxRetries,
		Sleep:      sleep,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSendRetriesRateLimitedWithBackoff(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var delays []time.Duration
	c := newTestClient(t, srv.URL, 3, func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})

	resp, err := c.Send(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Fatalf("body = %q, want %q", resp.Body, "ok")
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestSendRetriesExhausted(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var delays []time.Duration
	c := newTestClient(t, srv.URL, 2, func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})

	_, err := c.Send(context.Background(), srv.URL, Options{})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
	if netErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", netErr.StatusCode)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("hits = %d, want 3 (initial + 2 retries)", got)
	}
	if len(delays) != 2 || delays[0] != 1*time.Second || delays[1] != 2*time.Second {
		t.Fatalf("delays = %v, want [1s 2s]", delays)
	}
}

func TestSendDoesNotRetryOtherFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3, func(_ context.Context, d time.Duration) error {
		t.Fatalf("unexpected sleep of %v", d)
		return nil
	})

	_, err := c.Send(context.Background(), srv.URL, Options{})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
	if netErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", netErr.StatusCode)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("hits = %d, want 1", got)
	}
}

func TestSendBackoffAbortsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	// Real context-aware sleep; the 1s backoff must lose against the 50ms
	// deadline.
	c := newTestClient(t, srv.URL, 3, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, srv.URL, Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestSendAttachesSessionCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("MoodleSession")
		if err != nil || cookie.Value != "s3ss10n" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL: srv.URL,
		Cookies: []*http.Cookie{{Name: "MoodleSession", Value: "s3ss10n"}},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := c.Send(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSendReportsFinalURLAfterRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landed?attempt=99", http.StatusFound)
	})
	mux.HandleFunc("/landed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3, nil)
	resp, err := c.Send(context.Background(), srv.URL+"/start", Options{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if want := srv.URL + "/landed?attempt=99"; resp.FinalURL != want {
		t.Fatalf("final url = %q, want %q", resp.FinalURL, want)
	}
}

func TestBuildURL(t *testing.T) {
	c := newTestClient(t, "https://lms.example.edu", 1, nil)

	tests := []struct {
		name   string
		path   string
		params []Param
		want   string
	}{
		{
			name: "no params",
			path: "/mod/quiz/startattempt.php",
			want: "https://lms.example.edu/mod/quiz/startattempt.php",
		},
		{
			name: "insertion order kept",
			path: "/mod/quiz/summary.php",
			params: []Param{
				{Name: "attempt", Value: "99"},
				{Name: "cmid", Value: "7"},
			},
			want: "https://lms.example.edu/mod/quiz/summary.php?attempt=99&cmid=7",
		},
		{
			name: "values escaped",
			path: "/mod/quiz/view.php",
			params: []Param{
				{Name: "q", Value: "a b&c"},
			},
			want: "https://lms.example.edu/mod/quiz/view.php?q=a+b%26c",
		},
		{
			name: "existing query extended",
			path: "/mod/quiz/processattempt.php?cmid=7",
			params: []Param{
				{Name: "sesskey", Value: "abc"},
			},
			want: "https://lms.example.edu/mod/quiz/processattempt.php?cmid=7&sesskey=abc",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := c.BuildURL(tc.path, tc.params)
			if got != tc.want {
				t.Fatalf("BuildURL = %q, want %q", got, tc.want)
			}
			if again := c.BuildURL(tc.path, tc.params); again != got {
				t.Fatalf("BuildURL not idempotent: %q then %q", got, again)
			}
		})
	}
}

func TestEncodeForm(t *testing.T) {
	got := EncodeForm([]Param{
		{Name: "attempt", Value: "99"},
		{Name: "finishattempt", Value: "1"},
		{Name: "slots", Value: ""},
		{Name: "note", Value: "a b"},
	})
	want := "attempt=99&finishattempt=1&slots=&note=a+b"
	if got != want {
		t.Fatalf("EncodeForm = %q, want %q", got, want)
	}
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "/not/absolute"}); err == nil {
		t.Fatal("expected error for relative base url")
	}
}
