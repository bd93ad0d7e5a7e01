// Package scoring fuses token overlap, source priors, trust, and intent
// signals into a single evidence score per candidate.
package scoring

import (
	"fmt"
	"sort"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/retrieval"
)

// sourcePriors weight evidence by provenance. News slightly outranks raw
// web pages for claim verification; the encyclopedic corpus sits between.
var sourcePriors = map[model.SourceType]float64{
	model.SourceWebURL: 1.0,
	model.SourceNews:   1.1,
	model.SourceWiki:   1.05,
	model.SourceKBDoc:  1.0,
}

// intentBonuses reward queries aimed at primary or fact-checking sources.
var intentBonuses = map[string]float64{
	model.IntentOfficialStatement: 0.05,
	model.IntentFactCheck:         0.08,
	model.IntentOriginTrace:       0.03,
}

// Config tunes the engine.
type Config struct {
	// LowOverlapThreshold caps scores for candidates whose token overlap
	// with the claim falls below it.
	LowOverlapThreshold float64

	// RumorThreshold is the cap applied when the overlap guard trips.
	RumorThreshold float64

	// TrustWeight scales the credibility contribution.
	TrustWeight float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LowOverlapThreshold: 0.4,
		RumorThreshold:      0.78,
		TrustWeight:         0.25,
	}
}

// Engine scores evidence candidates against a claim.
type Engine struct {
	cfg Config
}

// NewEngine creates a scoring engine.
func NewEngine(cfg Config) *Engine {
	if cfg.LowOverlapThreshold == 0 {
		cfg.LowOverlapThreshold = 0.4
	}
	if cfg.RumorThreshold == 0 {
		cfg.RumorThreshold = 0.78
	}
	if cfg.TrustWeight == 0 {
		cfg.TrustWeight = 0.25
	}
	return &Engine{cfg: cfg}
}

// Score ranks candidates descending. Candidates with claim overlap below
// the threshold are capped at the rumor threshold regardless of trust, so a
// highly credible but off-topic source cannot dominate the pool.
func (e *Engine) Score(claimText string, claimMode model.ClaimMode, candidates []model.EvidenceCandidate) ([]model.ScoredEvidence, model.ScoreDiagnostics) {
	claimTokens := retrieval.Tokenize(claimText)
	diag := model.ScoreDiagnostics{}

	scored := make([]model.ScoredEvidence, 0, len(candidates))
	var sum float64
	for i, cand := range candidates {
		content := cand.Content
		if content == "" {
			content = cand.Snippet
		}
		overlap := retrieval.TokenOverlap(claimTokens, cand.Title+" "+content)

		prior, ok := sourcePriors[cand.SourceType]
		if !ok {
			prior = 1.0
		}

		trust := cand.Metadata.CredibilityScore
		bonus := intentBonuses[cand.Metadata.Intent]

		raw := overlap*prior + e.cfg.TrustWeight*trust + bonus
		score := clamp(raw, 0, 1)

		capped := false
		if overlap < e.cfg.LowOverlapThreshold && score > e.cfg.RumorThreshold {
			score = e.cfg.RumorThreshold
			capped = true
			diag.OverlapCapAppliedCount++
		}
		if overlap < e.cfg.LowOverlapThreshold && score >= e.cfg.RumorThreshold {
			diag.HighScoreLowOverlapCount++
		}

		scored = append(scored, model.ScoredEvidence{
			EvidenceCandidate: cand,
			EvidID:            fmt.Sprintf("E%03d", i+1),
			Score:             score,
			Breakdown: model.ScoreBreakdown{
				Overlap:           overlap,
				Prior:             prior,
				Trust:             trust,
				HTML:              cand.Metadata.HTMLSignalScore,
				IntentBonus:       bonus,
				OverlapCapApplied: capped,
			},
		})
		sum += score
		if score > diag.MaxScore {
			diag.MaxScore = score
		}
	}

	if len(scored) > 0 {
		diag.MeanScore = sum / float64(len(scored))
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored, diag
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
