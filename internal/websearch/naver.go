package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// NaverClient searches the Naver news API. Korean-language claims get their
// best coverage here.
type NaverClient struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client
	gate         *gate
	retry        RetryPolicy
	logger       *slog.Logger
}

// NewNaverClient creates a news search client against the Naver OpenAPI.
func NewNaverClient(clientID, clientSecret string, maxConcurrency int, timeout time.Duration, retry RetryPolicy, logger *slog.Logger) *NaverClient {
	return &NaverClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: timeout},
		gate:         newGate(maxConcurrency),
		retry:        retry,
		logger:       logger,
	}
}

// Name identifies the provider.
func (c *NaverClient) Name() string { return "naver" }

// Configured reports whether API credentials are present.
func (c *NaverClient) Configured() bool {
	return c.clientID != "" && c.clientSecret != ""
}

type naverResponse struct {
	Items []struct {
		Title        string `json:"title"`
		OriginalLink string `json:"originallink"`
		Link         string `json:"link"`
		Description  string `json:"description"`
		PubDate      string `json:"pubDate"`
	} `json:"items"`
	ErrorMessage string `json:"errorMessage"`
	ErrorCode    string `json:"errorCode"`
}

// Search runs one news query under the provider gate with retry.
func (c *NaverClient) Search(ctx context.Context, query string, limit int) ([]Result, int, error) {
	if !c.Configured() {
		return nil, 0, fmt.Errorf("websearch: naver credentials not configured")
	}
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

func (c *NaverClient) searchOnce(ctx context.Context, query string, limit int) ([]Result, error) {
	endpoint := fmt.Sprintf("https://openapi.naver.com/v1/search/news.json?query=%s&display=%d&sort=sim",
		url.QueryEscape(query), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: naver request: %w", err)
	}
	req.Header.Set("X-Naver-Client-Id", c.clientID)
	req.Header.Set("X-Naver-Client-Secret", c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: naver call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("websearch: naver read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: c.Name(), Code: resp.StatusCode, Body: string(body[:min(len(body), 256)])}
	}

	var parsed naverResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("websearch: naver decode: %w", err)
	}
	if parsed.ErrorCode != "" {
		return nil, fmt.Errorf("websearch: naver error %s: %s", parsed.ErrorCode, parsed.ErrorMessage)
	}

	out := make([]Result, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		link := item.OriginalLink
		if link == "" {
			link = item.Link
		}
		if link == "" {
			continue
		}
		r := Result{
			Title:    stripHTML(item.Title),
			URL:      link,
			Snippet:  stripHTML(item.Description),
			Provider: c.Name(),
		}
		if ts, err := time.Parse(time.RFC1123Z, item.PubDate); err == nil {
			r.PublishedAt = &ts
		}
		out = append(out, r)
	}
	return out, nil
}
