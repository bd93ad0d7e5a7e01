// Package credibility resolves source trust tiers by domain and analyzes
// fetched HTML for quality signals. The two scores combine into the
// per-candidate credibility used by evidence scoring.
package credibility

import (
	"net/url"
	"strings"

	"github.com/veritas-lab/veritas/internal/model"
)

// Source tiers, most to least trusted.
const (
	TierGovernment      = "government"
	TierPublicOrg       = "public_org"
	TierEncyclopedia    = "encyclopedia"
	TierMajorNews       = "major_news"
	TierSpecializedNews = "specialized_news"
	TierUnknown         = "unknown"
	TierPlatform        = "platform"
)

// tierScores maps each tier to its fixed base trust score.
var tierScores = map[string]float64{
	TierGovernment:      0.96,
	TierPublicOrg:       0.90,
	TierEncyclopedia:    0.82,
	TierMajorNews:       0.80,
	TierSpecializedNews: 0.72,
	TierUnknown:         0.55,
	TierPlatform:        0.45,
}

// TierScore returns the base trust score for a tier, defaulting to unknown.
func TierScore(tier string) float64 {
	if s, ok := tierScores[tier]; ok {
		return s
	}
	return tierScores[TierUnknown]
}

// suffixTiers classifies by domain suffix.
var suffixTiers = []struct {
	suffix string
	tier   string
}{
	{".go.kr", TierGovernment},
	{".gov", TierGovernment},
	{".go.jp", TierGovernment},
	{".or.kr", TierPublicOrg},
	{".org", TierPublicOrg},
	{".int", TierPublicOrg},
	{".ac.kr", TierPublicOrg},
	{".edu", TierPublicOrg},
}

// domainTiers holds exact-host overrides checked before suffix rules.
var domainTiers = map[string]string{
	"ko.wikipedia.org": TierEncyclopedia,
	"en.wikipedia.org": TierEncyclopedia,
	"wikipedia.org":    TierEncyclopedia,
	"namu.wiki":        TierEncyclopedia,
	"britannica.com":   TierEncyclopedia,

	"yonhapnews.co.kr": TierMajorNews,
	"yna.co.kr":        TierMajorNews,
	"chosun.com":       TierMajorNews,
	"joongang.co.kr":   TierMajorNews,
	"donga.com":        TierMajorNews,
	"hani.co.kr":       TierMajorNews,
	"khan.co.kr":       TierMajorNews,
	"kbs.co.kr":        TierMajorNews,
	"mbc.co.kr":        TierMajorNews,
	"sbs.co.kr":        TierMajorNews,
	"ytn.co.kr":        TierMajorNews,
	"reuters.com":      TierMajorNews,
	"apnews.com":       TierMajorNews,
	"bbc.com":          TierMajorNews,
	"bbc.co.uk":        TierMajorNews,
	"nytimes.com":      TierMajorNews,

	"newstapa.org":       TierSpecializedNews,
	"factcheck.org":      TierSpecializedNews,
	"snopes.com":         TierSpecializedNews,
	"politifact.com":     TierSpecializedNews,
	"sciencetimes.co.kr": TierSpecializedNews,

	"youtube.com":    TierPlatform,
	"youtu.be":       TierPlatform,
	"facebook.com":   TierPlatform,
	"instagram.com":  TierPlatform,
	"x.com":          TierPlatform,
	"twitter.com":    TierPlatform,
	"tiktok.com":     TierPlatform,
	"blog.naver.com": TierPlatform,
	"cafe.naver.com": TierPlatform,
	"tistory.com":    TierPlatform,
	"reddit.com":     TierPlatform,
	"dcinside.com":   TierPlatform,
}

// TrustResult is the resolved trust for one source.
type TrustResult struct {
	Domain string  `json:"domain"`
	Tier   string  `json:"tier"`
	Score  float64 `json:"score"`
}

// Resolver classifies source URLs into trust tiers. The override table
// takes precedence over suffix rules.
type Resolver struct {
	overrides map[string]string
}

// NewResolver creates a resolver. extra entries (host -> tier) extend the
// built-in table.
func NewResolver(extra map[string]string) *Resolver {
	overrides := make(map[string]string, len(domainTiers)+len(extra))
	for k, v := range domainTiers {
		overrides[k] = v
	}
	for k, v := range extra {
		overrides[strings.ToLower(k)] = v
	}
	return &Resolver{overrides: overrides}
}

// Resolve returns the domain, tier, and base score for a source URL.
// WIKI sources are always classified encyclopedia regardless of host.
func (r *Resolver) Resolve(rawURL string, sourceType model.SourceType) TrustResult {
	domain := hostOf(rawURL)

	if sourceType == model.SourceWiki {
		return TrustResult{Domain: domain, Tier: TierEncyclopedia, Score: tierScores[TierEncyclopedia]}
	}

	tier := r.tierFor(domain)
	return TrustResult{Domain: domain, Tier: tier, Score: tierScores[tier]}
}

func (r *Resolver) tierFor(domain string) string {
	if domain == "" {
		return TierUnknown
	}
	// Exact host first, then parent domains (news.example.co.kr -> example.co.kr).
	probe := domain
	for {
		if tier, ok := r.overrides[probe]; ok {
			return tier
		}
		i := strings.Index(probe, ".")
		if i < 0 || !strings.Contains(probe[i+1:], ".") {
			break
		}
		probe = probe[i+1:]
	}
	for _, s := range suffixTiers {
		if strings.HasSuffix(domain, s.suffix) {
			return s.tier
		}
	}
	return TierUnknown
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
