package credibility

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"
)

// HTMLSignals is the per-page quality analysis extracted from fetched HTML.
type HTMLSignals struct {
	BylinePresent        bool    `json:"byline_present"`
	DatePresent          bool    `json:"date_present"`
	CorrectionPresent    bool    `json:"correction_notice_present"`
	ReferenceLinkCount   int     `json:"reference_link_count"`
	ReferenceQuality     float64 `json:"reference_link_quality_score"`
	AnonymousSourceRatio float64 `json:"anonymous_source_ratio"`
	ClickbaitPattern     bool    `json:"clickbait_pattern"`
	Score                float64 `json:"score"`
	FetchOK              bool    `json:"fetch_ok"`
}

// NeutralSignals is returned when the page cannot be fetched or parsed.
func NeutralSignals() HTMLSignals {
	return HTMLSignals{Score: 0.5, FetchOK: false}
}

// HTMLAnalyzer fetches pages and scores their editorial quality signals.
type HTMLAnalyzer struct {
	httpClient *http.Client
	resolver   *Resolver
	logger     *slog.Logger
}

// NewHTMLAnalyzer creates an analyzer with the given fetch timeout.
func NewHTMLAnalyzer(timeout time.Duration, resolver *Resolver, logger *slog.Logger) *HTMLAnalyzer {
	return &HTMLAnalyzer{
		httpClient: &http.Client{Timeout: timeout},
		resolver:   resolver,
		logger:     logger,
	}
}

var (
	bylineRe = regexp.MustCompile(`(?i)<meta[^>]+(name|property)="(author|article:author)"|기자|reporter|by\s+[A-Z][a-z]+\s+[A-Z][a-z]+`)
	dateRe   = regexp.MustCompile(`(?i)<meta[^>]+(property|name)="(article:published_time|article:modified_time|date)"|\d{4}[-./]\d{1,2}[-./]\d{1,2}`)

	correctionRe = regexp.MustCompile(`(?i)정정|correction|corrected|수정:|편집자\s*주`)

	anchorRe = regexp.MustCompile(`(?i)<a[^>]+href="(https?://[^"]+)"`)

	anonymousRe = regexp.MustCompile(`(?i)익명|관계자에\s*따르면|소식통|an?\s+anonymous|sources?\s+say|according\s+to\s+sources`)
	quoteRe     = regexp.MustCompile(`["“”'].{10,}?["“”']|라고\s*(말했|밝혔|전했)`)

	clickbaitTitleRe = regexp.MustCompile(`(?i)충격|경악|소름|믿을\s*수\s*없|you\s+won'?t\s+believe|shocking|!{2,}|\?{2,}`)

	titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

// Analyze fetches the URL and computes its HTML signal score:
//
//	clip(0.5 + 0.08·byline + 0.08·date + 0.06·correction + 0.20·ref_quality
//	     − 0.14·anon − 0.12·clickbait, 0, 1)
//
// Fetch failures return the neutral result with score 0.5.
func (a *HTMLAnalyzer) Analyze(ctx context.Context, pageURL string) HTMLSignals {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return NeutralSignals()
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; veritas/1.0)")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Debug("html signal fetch failed", "url", pageURL, "error", err)
		return NeutralSignals()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return NeutralSignals()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return NeutralSignals()
	}

	return a.Score(string(body))
}

// Score computes the signal set from raw HTML. Exposed separately so the
// merge stage can score already-fetched pages.
func (a *HTMLAnalyzer) Score(html string) HTMLSignals {
	s := HTMLSignals{FetchOK: true}

	s.BylinePresent = bylineRe.MatchString(html)
	s.DatePresent = dateRe.MatchString(html)
	s.CorrectionPresent = correctionRe.MatchString(html)

	refs := anchorRe.FindAllStringSubmatch(html, 200)
	s.ReferenceLinkCount = len(refs)
	if len(refs) > 0 {
		trusted := 0
		for _, m := range refs {
			tier := a.resolver.tierFor(hostOf(m[1]))
			if TierScore(tier) >= tierScores[TierMajorNews] {
				trusted++
			}
		}
		s.ReferenceQuality = float64(trusted) / float64(len(refs))
	}

	anonHits := len(anonymousRe.FindAllString(html, 50))
	quoteHits := len(quoteRe.FindAllString(html, 50))
	if quoteHits > 0 {
		s.AnonymousSourceRatio = min(1, float64(anonHits)/float64(quoteHits))
	} else if anonHits > 0 {
		s.AnonymousSourceRatio = 1
	}

	// Clickbait requires both a sensational title and thin body evidence.
	if m := titleRe.FindStringSubmatch(html); m != nil && clickbaitTitleRe.MatchString(m[1]) {
		s.ClickbaitPattern = s.ReferenceLinkCount < 3 && quoteHits == 0
	}

	score := 0.5
	score += 0.08 * b2f(s.BylinePresent)
	score += 0.08 * b2f(s.DatePresent)
	score += 0.06 * b2f(s.CorrectionPresent)
	score += 0.20 * s.ReferenceQuality
	score -= 0.14 * s.AnonymousSourceRatio
	score -= 0.12 * b2f(s.ClickbaitPattern)
	s.Score = clip(score, 0, 1)
	return s
}

// Combine fuses the tier trust score with the HTML signal score into the
// candidate credibility used by the scoring engine.
func Combine(trustScore, htmlScore float64) float64 {
	return clip(0.6*trustScore+0.4*htmlScore, 0, 1)
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
