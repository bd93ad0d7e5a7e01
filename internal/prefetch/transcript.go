package prefetch

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TimedTextClient fetches video transcripts from the public timedtext
// endpoint. Entries are joined with single spaces.
type TimedTextClient struct {
	httpClient *http.Client
}

// NewTimedTextClient creates a transcript client.
func NewTimedTextClient(timeout time.Duration) *TimedTextClient {
	return &TimedTextClient{httpClient: &http.Client{Timeout: timeout}}
}

type timedTextDoc struct {
	Texts []struct {
		Body string `xml:",chardata"`
	} `xml:"text"`
}

// Fetch tries each language in order and returns the first non-empty
// transcript.
func (c *TimedTextClient) Fetch(ctx context.Context, videoID string, languages []string) (string, error) {
	var lastErr error
	for _, lang := range languages {
		text, err := c.fetchLang(ctx, videoID, lang)
		if err != nil {
			lastErr = err
			continue
		}
		if text != "" {
			return text, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("prefetch: no transcript for video %s", videoID)
}

func (c *TimedTextClient) fetchLang(ctx context.Context, videoID, lang string) (string, error) {
	endpoint := fmt.Sprintf("https://www.youtube.com/api/timedtext?v=%s&lang=%s",
		url.QueryEscape(videoID), url.QueryEscape(lang))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("prefetch: transcript request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("prefetch: transcript fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("prefetch: transcript status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("prefetch: transcript read: %w", err)
	}

	var doc timedTextDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("prefetch: transcript decode: %w", err)
	}

	parts := make([]string, 0, len(doc.Texts))
	for _, t := range doc.Texts {
		if s := strings.TrimSpace(t.Body); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "), nil
}
