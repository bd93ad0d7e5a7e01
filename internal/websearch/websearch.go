// Package websearch provides external web and news search clients with
// per-provider concurrency gates, timeouts, and retry on transient errors.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Result is a provider-normalized search hit. Title and snippet carry no
// HTML markup.
type Result struct {
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Snippet     string     `json:"snippet"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Provider    string     `json:"provider"`
}

// Client is a single search provider.
// Implementations must be safe for concurrent use.
type Client interface {
	// Search runs one query and returns normalized results, plus the number
	// of transient-failure retries the call spent.
	Search(ctx context.Context, query string, limit int) ([]Result, int, error)

	// Name identifies the provider in logs and observability counters.
	Name() string
}

// RetryPolicy bounds retry behavior for transient provider failures.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// retriableStatus covers throttling and transient server errors.
func retriableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// transientError reports whether err warrants a retry: connection failures,
// timeouts, or provider messages that mention rate limiting.
func transientError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retriableStatus(statusErr.Code)
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "connection refused")
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("websearch: %s returned status %d: %s", e.Provider, e.Code, e.Body)
}

// withRetry runs fn up to policy.Attempts times, backing off exponentially
// with jitter between attempts. Non-transient errors return immediately.
// The returned count is the number of retries performed beyond the first
// attempt, so callers can surface it in provider stats.
func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) (int, error) {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := policy.Backoff
	if backoff <= 0 {
		backoff = 400 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !transientError(err) || attempt == attempts {
			return attempt - 1, err
		}
		jitter := time.Duration(rand.Int64N(int64(backoff)))
		select {
		case <-ctx.Done():
			return attempt - 1, ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
	return attempts - 1, err
}

// gate wraps a provider call in a weighted-semaphore concurrency cap.
type gate struct {
	sem *semaphore.Weighted
}

func newGate(max int) *gate {
	if max <= 0 {
		max = 3
	}
	return &gate{sem: semaphore.NewWeighted(int64(max))}
}

func (g *gate) do(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return fn()
}

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// stripHTML removes markup and entities from provider titles and snippets.
func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, "")
	replacer := strings.NewReplacer(
		"&quot;", `"`,
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&#39;", "'",
		"&nbsp;", " ",
	)
	s = replacer.Replace(s)
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
