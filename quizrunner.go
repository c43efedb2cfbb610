// Package quizrunner automates a single quiz attempt on a Moodle-style
// learning platform: it discovers the session tokens, opens an attempt,
// scrapes the question form, submits a random answer and finalizes the
// attempt, riding an existing browser session's cookies.
package quizrunner

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"quizrunner/client"
)

// TokenNotFoundError reports a required workflow token that could not be
// resolved from a URL or page body.
type TokenNotFoundError struct {
	Token string
}

func (e *TokenNotFoundError) Error() string {
	return fmt.Sprintf("required token %q not found", e.Token)
}

type Config struct {
	// BaseURL is the origin of the learning platform.
	BaseURL string
	// Cookies are the browser session cookies to ride.
	Cookies    []*http.Cookie
	MaxRetries int
	Timeout    time.Duration
	// Logger receives one line per workflow step. Defaults to a nop logger.
	Logger *zap.Logger
	// Rand drives answer selection. Inject a seeded source for
	// deterministic tests; defaults to a time-seeded one.
	Rand *rand.Rand
}

// Runner executes the exam workflow. Each run's entities live only on that
// run's call chain; a Runner itself carries no per-run state.
type Runner struct {
	client *client.Client
	logger *zap.Logger
	rng    *rand.Rand
}

func New(cfg Config) (*Runner, error) {
	c, err := client.New(client.Config{
		BaseURL:    cfg.BaseURL,
		Cookies:    cfg.Cookies,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Runner{
		client: c,
		logger: logger,
		rng:    rng,
	}, nil
}
