package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-lab/veritas/internal/credibility"
	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/retrieval"
	"github.com/veritas-lab/veritas/internal/websearch"
)

// wikiQueryConcurrency caps parallel corpus searches within one run.
const wikiQueryConcurrency = 3

// stageWiki dispatches the wiki query variants to the retrieval backend.
// Retrieval never fails the stage; degraded queries just contribute no
// candidates.
func (p *Pipeline) stageWiki(ctx context.Context, st *model.PipelineState, _ *llm.Usage) error {
	started := time.Now()

	var queries []model.QueryVariant
	for _, v := range st.QueryVariants {
		if v.Type == model.QueryTypeWiki {
			queries = append(queries, v)
		}
	}

	var mu sync.Mutex
	collected := make([][]model.EvidenceCandidate, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wikiQueryConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			resp := p.retrieval.Search(gctx, q.Text, retrieval.Options{
				TopK:         5,
				Window:       1,
				MaxChars:     1200,
				Mode:         q.SearchMode,
				EmbedMissing: true,
			})
			candidates := make([]model.EvidenceCandidate, 0, len(resp.Hits))
			for _, hit := range resp.Hits {
				candidates = append(candidates, model.EvidenceCandidate{
					SourceType: model.SourceWiki,
					Title:      hit.Title,
					URL:        wikiPageURL(hit.Title),
					Content:    hit.Content,
					Metadata: model.EvidenceMetadata{
						Intent:  q.Meta.Intent,
						Stance:  q.Meta.Stance,
						ClaimID: q.Meta.ClaimID,
						Mode:    hit.Mode,
					},
				})
			}
			mu.Lock()
			collected[i] = candidates
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers only report ctx cancellation

	count := 0
	for _, batch := range collected {
		st.EvidenceCandidates = append(st.EvidenceCandidates, batch...)
		count += len(batch)
	}

	st.AppendLog(model.StageWiki, "collected corpus evidence", time.Since(started))
	st.SetStageOutput(model.StageWiki, map[string]any{"wiki_candidates": count}, nil)
	return ctx.Err()
}

// stageWeb fans non-wiki queries out to the external search providers. The
// join is all-settled: a failing provider call contributes nothing and
// never aborts its siblings. Result order is insertion-by-first-seen-URL in
// query dispatch order, independent of completion order.
func (p *Pipeline) stageWeb(ctx context.Context, st *model.PipelineState, _ *llm.Usage) error {
	started := time.Now()

	var queries []model.QueryVariant
	for _, v := range st.QueryVariants {
		if v.Type != model.QueryTypeWiki {
			queries = append(queries, v)
		}
	}

	type slot struct {
		query   model.QueryVariant
		results []websearch.Result
	}
	slots := make([]slot, len(queries)*len(p.providers))

	var wg sync.WaitGroup
	idx := 0
	for _, q := range queries {
		for _, provider := range p.providers {
			s := &slots[idx]
			s.query = q
			idx++
			wg.Add(1)
			go func(c websearch.Client) {
				defer wg.Done()
				results, retries, err := c.Search(ctx, s.query.Text, 5)
				p.collector.ObserveProvider(c.Name(), err == nil, retries)
				if err != nil {
					p.logger.Warn("web search failed", "provider", c.Name(), "query", s.query.Text, "error", err)
					return
				}
				s.results = results
			}(provider)
		}
	}
	wg.Wait()

	seen := make(map[string]bool)
	added := 0
	for _, s := range slots {
		for _, r := range s.results {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			sourceType := model.SourceWebURL
			if r.Provider == "naver" || s.query.Type == model.QueryTypeNews {
				sourceType = model.SourceNews
			}
			st.EvidenceCandidates = append(st.EvidenceCandidates, model.EvidenceCandidate{
				SourceType: sourceType,
				Title:      r.Title,
				URL:        r.URL,
				Snippet:    r.Snippet,
				Metadata: model.EvidenceMetadata{
					Intent:      s.query.Meta.Intent,
					Stance:      s.query.Meta.Stance,
					ClaimID:     s.query.Meta.ClaimID,
					Provider:    r.Provider,
					PublishedAt: r.PublishedAt,
				},
			})
			added++
		}
	}

	st.AppendLog(model.StageWeb, "collected web evidence", time.Since(started))
	st.SetStageOutput(model.StageWeb, map[string]any{"web_candidates": added}, nil)
	return ctx.Err()
}

// stageMerge deduplicates candidates by URL (first occurrence wins on
// metadata), resolves source tiers, enriches the top-N web candidates with
// HTML signals, and computes each candidate's credibility.
func (p *Pipeline) stageMerge(ctx context.Context, st *model.PipelineState, _ *llm.Usage) error {
	started := time.Now()

	stats := model.MergeStats{TierDistribution: map[string]int{}}

	seen := make(map[string]bool)
	merged := make([]model.EvidenceCandidate, 0, len(st.EvidenceCandidates))
	for _, c := range st.EvidenceCandidates {
		if c.URL != "" && seen[c.URL] {
			continue
		}
		if c.URL != "" {
			seen[c.URL] = true
		}
		merged = append(merged, c)
	}

	htmlBudget := p.cfg.Stage3HTMLSignalTopN
	for i := range merged {
		c := &merged[i]
		trust := p.resolver.Resolve(c.URL, c.SourceType)
		c.Metadata.SourceTier = trust.Tier
		c.Metadata.SourceTrustScore = trust.Score
		stats.TierDistribution[trust.Tier]++

		signals := credibility.NeutralSignals()
		if p.htmlAnalyzer != nil && p.cfg.Stage3HTMLSignalEnabled && htmlBudget > 0 && c.SourceType != model.SourceWiki && c.URL != "" {
			htmlBudget--
			signals = p.htmlAnalyzer.Analyze(ctx, c.URL)
			if signals.FetchOK {
				stats.HTMLEnrichedCount++
			} else {
				stats.HTMLFetchFailCount++
			}
		}
		c.Metadata.HTMLSignalScore = signals.Score
		c.Metadata.CredibilityScore = credibility.Combine(trust.Score, signals.Score)
	}

	st.EvidenceCandidates = merged
	st.MergeStats = &stats

	st.AppendLog(model.StageMerge, "merged evidence candidates", time.Since(started))
	st.SetStageOutput(model.StageMerge, map[string]any{
		"candidate_count": len(merged),
		"merge_stats":     stats,
	}, nil)
	return ctx.Err()
}

func wikiPageURL(title string) string {
	return "https://ko.wikipedia.org/wiki/" + title
}
