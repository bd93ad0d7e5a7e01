package websearch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DuckDuckGoClient scrapes the DuckDuckGo HTML endpoint. No API key is
// required, which makes it the general-web fallback provider.
type DuckDuckGoClient struct {
	baseURL    string
	httpClient *http.Client
	gate       *gate
	retry      RetryPolicy
	logger     *slog.Logger
}

// NewDuckDuckGoClient creates a general web search client.
func NewDuckDuckGoClient(maxConcurrency int, timeout time.Duration, retry RetryPolicy, logger *slog.Logger) *DuckDuckGoClient {
	return &DuckDuckGoClient{
		baseURL:    "https://html.duckduckgo.com",
		httpClient: &http.Client{Timeout: timeout},
		gate:       newGate(maxConcurrency),
		retry:      retry,
		logger:     logger,
	}
}

// Name identifies the provider.
func (c *DuckDuckGoClient) Name() string { return "duckduckgo" }

var (
	ddgResultRe  = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
)

// Search runs one web query under the provider gate with retry.
func (c *DuckDuckGoClient) Search(ctx context.Context, query string, limit int) ([]Result, int, error) {
	if limit <= 0 {
		limit = 10
	}

	var results []Result
	var retries int
	err := c.gate.do(ctx, func() error {
		var err error
		retries, err = withRetry(ctx, c.retry, func() error {
			var onceErr error
			results, onceErr = c.searchOnce(ctx, query, limit)
			return onceErr
		})
		return err
	})
	return results, retries, err
}

func (c *DuckDuckGoClient) searchOnce(ctx context.Context, query string, limit int) ([]Result, error) {
	endpoint := c.baseURL + "/html/?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: ddg request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; veritas/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: ddg call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("websearch: ddg read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: c.Name(), Code: resp.StatusCode, Body: http.StatusText(resp.StatusCode)}
	}

	links := ddgResultRe.FindAllStringSubmatch(string(body), limit)
	snippets := ddgSnippetRe.FindAllStringSubmatch(string(body), limit)

	out := make([]Result, 0, len(links))
	for i, m := range links {
		link := decodeDDGRedirect(m[1])
		if link == "" {
			continue
		}
		r := Result{
			Title:    stripHTML(m[2]),
			URL:      link,
			Provider: c.Name(),
		}
		if i < len(snippets) {
			r.Snippet = stripHTML(snippets[i][1])
		}
		out = append(out, r)
	}
	return out, nil
}

// decodeDDGRedirect unwraps the uddg redirect parameter DuckDuckGo wraps
// result links in.
func decodeDDGRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
		return target
	}
	return raw
}
