// Package prefetch resolves URL inputs into claim text before
// normalization: article main-text extraction with a title fallback, and
// video transcript fetching for recognized video URLs.
package prefetch

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

// Source types for prefetched content.
const (
	SourceArticle = "article"
	SourceYouTube = "youtube"
)

// Content is the prefetched claim material.
type Content struct {
	Text       string `json:"text"`
	Title      string `json:"title"`
	SourceType string `json:"source_type"`
	URL        string `json:"url"`
}

// Fetcher resolves URLs to text. Safe for concurrent use.
type Fetcher struct {
	httpClient  *http.Client
	transcripts TranscriptClient
	logger      *slog.Logger
}

// TranscriptClient fetches video transcripts by video ID, trying the given
// language codes in order.
type TranscriptClient interface {
	Fetch(ctx context.Context, videoID string, languages []string) (string, error)
}

// New creates a Fetcher. transcripts may be nil, in which case video URLs
// degrade to title-only extraction.
func New(timeout time.Duration, transcripts TranscriptClient, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		httpClient:  &http.Client{Timeout: timeout},
		transcripts: transcripts,
		logger:      logger,
	}
}

var videoIDRes = []*regexp.Regexp{
	regexp.MustCompile(`(?:youtube\.com/watch\?(?:.*&)?v=|youtu\.be/|youtube\.com/shorts/)([A-Za-z0-9_-]{11})`),
}

// VideoID extracts the 11-character opaque video ID, or "" when the URL is
// not a recognized video link.
func VideoID(rawURL string) string {
	for _, re := range videoIDRes {
		if m := re.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	}
	return ""
}

// Fetch resolves a URL input. Video URLs get a transcript (Korean first,
// then English); on transcript failure or for everything else, the page is
// fetched and the main text extracted.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Content, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return Content{}, fmt.Errorf("prefetch: invalid url: %w", err)
	}

	if videoID := VideoID(rawURL); videoID != "" {
		return f.fetchVideo(ctx, rawURL, videoID)
	}
	return f.fetchArticle(ctx, rawURL)
}

func (f *Fetcher) fetchVideo(ctx context.Context, rawURL, videoID string) (Content, error) {
	if f.transcripts != nil {
		text, err := f.transcripts.Fetch(ctx, videoID, []string{"ko", "en"})
		if err == nil && strings.TrimSpace(text) != "" {
			return Content{
				Text:       text,
				SourceType: SourceYouTube,
				URL:        rawURL,
			}, nil
		}
		if err != nil {
			f.logger.Warn("transcript fetch failed, falling back to page title", "video_id", videoID, "error", err)
		}
	}

	// Transcript unavailable: fetch the page and keep only the title.
	html, err := f.fetchHTML(ctx, rawURL)
	if err != nil {
		return Content{}, err
	}
	title := extractTitle(html)
	return Content{
		Text:       title,
		Title:      title,
		SourceType: SourceYouTube,
		URL:        rawURL,
	}, nil
}

func (f *Fetcher) fetchArticle(ctx context.Context, rawURL string) (Content, error) {
	html, err := f.fetchHTML(ctx, rawURL)
	if err != nil {
		return Content{}, err
	}

	return Content{
		Text:       ExtractMainText(html),
		Title:      extractTitle(html),
		SourceType: SourceArticle,
		URL:        rawURL,
	}, nil
}

func (f *Fetcher) fetchHTML(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("prefetch: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; veritas/1.0)")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("prefetch: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("prefetch: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("prefetch: read body: %w", err)
	}
	return string(body), nil
}

var (
	ogTitleRe  = regexp.MustCompile(`(?i)<meta[^>]+property="og:title"[^>]+content="([^"]+)"`)
	titleTagRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	scriptRe   = regexp.MustCompile(`(?is)<(script|style|noscript|header|footer|nav|aside)[^>]*>.*?</(?:script|style|noscript|header|footer|nav|aside)>`)
	commentRe  = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockTagRe = regexp.MustCompile(`(?i)</(p|div|br|li|h[1-6]|tr)>`)
	anyTagRe   = regexp.MustCompile(`<[^>]+>`)
	multiNLRe  = regexp.MustCompile(`\n{2,}`)
	multiSpcRe = regexp.MustCompile(`[ \t]+`)
)

// extractTitle prefers og:title over the <title> tag.
func extractTitle(html string) string {
	if m := ogTitleRe.FindStringSubmatch(html); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := titleTagRe.FindStringSubmatch(html); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// ExtractMainText strips boilerplate (scripts, navigation, markup) and
// keeps lines long enough to be running prose.
func ExtractMainText(html string) string {
	s := commentRe.ReplaceAllString(html, "")
	s = scriptRe.ReplaceAllString(s, "")
	s = blockTagRe.ReplaceAllString(s, "\n")
	s = anyTagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&quot;", `"`, "&lt;", "<", "&gt;", ">", "&#39;", "'").Replace(s)
	s = multiSpcRe.ReplaceAllString(s, " ")

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		// Boilerplate filter: menus and captions are short, prose is not.
		if len([]rune(line)) >= 30 {
			lines = append(lines, line)
		}
	}
	out := strings.Join(lines, "\n")
	return strings.TrimSpace(multiNLRe.ReplaceAllString(out, "\n"))
}
