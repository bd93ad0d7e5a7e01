// Package pipeline orchestrates the nine-stage claim verification flow:
// normalize, querygen, collect (wiki/web/merge), score, top-K, the parallel
// support and skeptic perspectives, aggregate, and judge.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/veritas-lab/veritas/internal/config"
	"github.com/veritas-lab/veritas/internal/credibility"
	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/obs"
	"github.com/veritas-lab/veritas/internal/prefetch"
	"github.com/veritas-lab/veritas/internal/retrieval"
	"github.com/veritas-lab/veritas/internal/scoring"
	"github.com/veritas-lab/veritas/internal/websearch"
)

// Error is an orchestrator-level failure carrying a stable API code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("pipeline: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Deps bundles everything the orchestrator needs.
type Deps struct {
	Config       config.Config
	Retrieval    *retrieval.Backend
	Providers    []websearch.Client
	Prefetcher   *prefetch.Fetcher
	Resolver     *credibility.Resolver
	HTMLAnalyzer *credibility.HTMLAnalyzer
	Querygen     *llm.Client
	Evaluator    *llm.Client
	Judge        *llm.Client // nil disables the judge summary model
	Scorer       *scoring.Engine
	Checkpoints  Checkpointer
	Collector    *obs.Collector
	Logger       *slog.Logger
}

// Pipeline runs verification requests. Safe for concurrent use.
type Pipeline struct {
	cfg          config.Config
	retrieval    *retrieval.Backend
	providers    []websearch.Client
	prefetcher   *prefetch.Fetcher
	resolver     *credibility.Resolver
	htmlAnalyzer *credibility.HTMLAnalyzer
	querygen     *llm.Client
	evaluator    *llm.Client
	judge        *llm.Client
	scorer       *scoring.Engine
	checkpoints  Checkpointer
	collector    *obs.Collector
	logger       *slog.Logger
}

// New assembles a pipeline from its dependencies.
func New(d Deps) *Pipeline {
	if d.Checkpoints == nil {
		d.Checkpoints = NopCheckpointer{}
	}
	if d.Collector == nil {
		d.Collector = obs.NewCollector()
	}
	return &Pipeline{
		cfg:          d.Config,
		retrieval:    d.Retrieval,
		providers:    d.Providers,
		prefetcher:   d.Prefetcher,
		resolver:     d.Resolver,
		htmlAnalyzer: d.HTMLAnalyzer,
		querygen:     d.Querygen,
		evaluator:    d.Evaluator,
		judge:        d.Judge,
		scorer:       d.Scorer,
		checkpoints:  d.Checkpoints,
		collector:    d.Collector,
		logger:       d.Logger,
	}
}

// RunResult is a completed (or refused) pipeline execution.
type RunResult struct {
	State             *model.PipelineState
	Usage             llm.Usage
	Latency           time.Duration
	CheckpointResumed bool
	CheckpointExpired bool
}

type stageFunc func(ctx context.Context, st *model.PipelineState, usage *llm.Usage) error

func (p *Pipeline) stageFuncs() map[string]stageFunc {
	return map[string]stageFunc{
		model.StageNormalize: p.stageNormalize,
		model.StageQuerygen:  p.stageQuerygen,
		model.StageWiki:      p.stageWiki,
		model.StageWeb:       p.stageWeb,
		model.StageMerge:     p.stageMerge,
		model.StageScore:     p.stageScore,
		model.StageTopK:      p.stageTopK,
		model.StageSupport:   p.stageSupport,
		model.StageSkeptic:   p.stageSkeptic,
		model.StageAggregate: p.stageAggregate,
		model.StageJudge:     p.stageJudge,
	}
}

// Run executes the requested stage window. onStage, when non-nil, is called
// after each stage completes with the current state; streaming uses it to
// emit stage_complete events.
func (p *Pipeline) Run(ctx context.Context, req model.TruthCheckRequest, onStage func(stage string, st *model.PipelineState)) (*RunResult, error) {
	return p.run(ctx, req, onStage, nil)
}

// run additionally notifies onReady once the state is prepared, before the
// first stage executes; streaming uses it to stamp the preamble with the
// run's trace identity, which a checkpoint resume restores from the
// snapshot.
func (p *Pipeline) run(ctx context.Context, req model.TruthCheckRequest, onStage func(stage string, st *model.PipelineState), onReady func(st *model.PipelineState)) (*RunResult, error) {
	started := time.Now()

	result := &RunResult{}
	st, startStage, err := p.prepareState(ctx, req, result)
	if err != nil {
		return nil, err
	}
	if onReady != nil {
		onReady(st)
	}

	endStageName := resolveEnd(req)
	startIdx := model.StageIndex(startStage)
	endIdx := model.StageIndex(endStageName)
	if startIdx < 0 || endIdx < 0 || startIdx > endIdx {
		return nil, &Error{Code: model.ErrCodeInvalidInput, Message: fmt.Sprintf("invalid stage window %s..%s", startStage, endStageName)}
	}

	funcs := p.stageFuncs()
	usage := &result.Usage

	for i := startIdx; i <= endIdx; i++ {
		stage := model.StageOrder[i]

		// S6 and S7 observe the same top-K snapshot and write disjoint
		// fields, so they run in parallel when both fall in the window.
		if stage == model.StageSupport && i+1 <= endIdx && model.StageOrder[i+1] == model.StageSkeptic {
			if err := p.runParallelPerspectives(ctx, st, usage); err != nil {
				return nil, err
			}
			p.afterStage(ctx, st, model.StageSupport, onStage)
			p.afterStage(ctx, st, model.StageSkeptic, onStage)
			i++
			continue
		}

		if err := p.runStage(ctx, stage, funcs[stage], st, usage); err != nil {
			return nil, err
		}
		p.afterStage(ctx, st, stage, onStage)

		// A terminal verdict issued before the judge (REFUSED from S1)
		// short-circuits the rest of the window.
		if st.FinalVerdict != nil && stage != model.StageJudge {
			break
		}
	}

	result.State = st
	result.Latency = time.Since(started)
	return result, nil
}

// prepareState builds the initial state: a checkpoint snapshot when resume
// is requested and valid, otherwise a fresh state with any caller-provided
// stage_state merged in.
func (p *Pipeline) prepareState(ctx context.Context, req model.TruthCheckRequest, result *RunResult) (*model.PipelineState, string, error) {
	startStage, _ := req.ResolveStageWindow()

	if req.CheckpointThreadID != "" && req.CheckpointResume {
		snapshot, atStage, err := p.checkpoints.Get(ctx, req.CheckpointThreadID)
		switch {
		case err == nil:
			if next := nextStage(atStage); next != "" {
				result.CheckpointResumed = true
				snapshot.CheckpointThreadID = req.CheckpointThreadID
				p.logger.Info("resuming from checkpoint",
					"thread_id", req.CheckpointThreadID, "after_stage", atStage)
				return snapshot, next, nil
			}
		case errors.Is(err, ErrCheckpointExpired):
			result.CheckpointExpired = true
		case errors.Is(err, ErrCheckpointAbsent):
			// Fresh run below.
		default:
			return nil, "", &Error{Code: model.ErrCodeCheckpointBackend, Message: "checkpoint backend unavailable", Err: err}
		}
	}

	st := model.NewPipelineState(req.InputType, req.InputPayload)
	st.Language = req.Language
	if st.Language == "" {
		st.Language = p.cfg.DefaultLanguage
	}
	st.AsOf = req.AsOf
	st.NormalizeMode = req.NormalizeMode

	// An expired thread gets a new identity.
	st.CheckpointThreadID = req.CheckpointThreadID
	if st.CheckpointThreadID == "" || result.CheckpointExpired {
		st.CheckpointThreadID = st.TraceID.String()
	}

	if len(req.StageState) > 0 {
		if err := mergeStageState(st, req.StageState); err != nil {
			return nil, "", &Error{Code: model.ErrCodeInvalidInput, Message: "invalid stage_state", Err: err}
		}
	}

	return st, startStage, nil
}

// mergeStageState overlays a caller-provided prior state onto the fresh
// one, preserving the fresh trace identity.
func mergeStageState(st *model.PipelineState, stageState map[string]any) error {
	payload, err := json.Marshal(stageState)
	if err != nil {
		return err
	}
	traceID, threadID := st.TraceID, st.CheckpointThreadID
	if err := json.Unmarshal(payload, st); err != nil {
		return err
	}
	st.TraceID, st.CheckpointThreadID = traceID, threadID
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage string, fn stageFunc, st *model.PipelineState, usage *llm.Usage) error {
	if err := ctx.Err(); err != nil {
		return &Error{Code: model.ErrCodeCancelled, Message: "pipeline cancelled", Err: err}
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageSoftTimeout)
	defer cancel()

	started := time.Now()
	err := fn(stageCtx, st, usage)
	p.collector.ObserveStage(stage, time.Since(started))

	if err != nil {
		if ctx.Err() != nil {
			p.collector.RecordEvent(obs.Event{TraceID: st.TraceID.String(), Stage: stage, Kind: "cancelled"})
			return &Error{Code: model.ErrCodeCancelled, Message: "pipeline cancelled", Err: ctx.Err()}
		}
		p.collector.RecordEvent(obs.Event{TraceID: st.TraceID.String(), Stage: stage, Kind: "error", Detail: err.Error()})
		return &Error{Code: model.ErrCodePipelineFailed, Message: fmt.Sprintf("stage %s failed", stage), Err: err}
	}
	return nil
}

// runParallelPerspectives executes S6 and S7 concurrently with an
// all-settled join: a failing side yields its UNVERIFIED fallback inside
// the stage, so only cancellation propagates.
func (p *Pipeline) runParallelPerspectives(ctx context.Context, st *model.PipelineState, usage *llm.Usage) error {
	if err := ctx.Err(); err != nil {
		return &Error{Code: model.ErrCodeCancelled, Message: "pipeline cancelled", Err: err}
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageSoftTimeout)
	defer cancel()

	// The two sides share the usage accumulator; split and recombine to
	// avoid a data race.
	var supUsage, skeUsage llm.Usage

	started := time.Now()
	g, gctx := errgroup.WithContext(stageCtx)
	g.Go(func() error { return p.stageSupport(gctx, st, &supUsage) })
	g.Go(func() error { return p.stageSkeptic(gctx, st, &skeUsage) })
	err := g.Wait()

	elapsed := time.Since(started)
	p.collector.ObserveStage(model.StageSupport, elapsed)
	p.collector.ObserveStage(model.StageSkeptic, elapsed)

	usage.PromptTokens += supUsage.PromptTokens + skeUsage.PromptTokens
	usage.CompletionTokens += supUsage.CompletionTokens + skeUsage.CompletionTokens
	usage.CostUSD += supUsage.CostUSD + skeUsage.CostUSD

	if err != nil {
		if ctx.Err() != nil {
			return &Error{Code: model.ErrCodeCancelled, Message: "pipeline cancelled", Err: ctx.Err()}
		}
		return &Error{Code: model.ErrCodePipelineFailed, Message: "perspective evaluation failed", Err: err}
	}
	return nil
}

// afterStage checkpoints the state and notifies the stage listener.
// Checkpoint failures are logged, never fatal.
func (p *Pipeline) afterStage(ctx context.Context, st *model.PipelineState, stage string, onStage func(string, *model.PipelineState)) {
	if p.cfg.CheckpointEnabled {
		if err := p.checkpoints.Put(ctx, st.CheckpointThreadID, stage, st); err != nil {
			p.logger.Warn("checkpoint save failed", "thread_id", st.CheckpointThreadID, "stage", stage, "error", err)
		}
	}
	p.collector.RecordEvent(obs.Event{TraceID: st.TraceID.String(), Stage: stage, Kind: "stage_complete"})
	if onStage != nil {
		onStage(stage, st)
	}
}

// nextStage returns the stage after the given one, or "" when the given
// stage is terminal or unknown.
func nextStage(stage string) string {
	i := model.StageIndex(stage)
	if i < 0 || i+1 >= len(model.StageOrder) {
		return ""
	}
	return model.StageOrder[i+1]
}

func resolveEnd(req model.TruthCheckRequest) string {
	_, end := req.ResolveStageWindow()
	return end
}

// EvictLoop periodically removes expired checkpoint threads until ctx is
// cancelled.
func (p *Pipeline) EvictLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.checkpoints.Evict(ctx); err != nil {
				p.logger.Warn("checkpoint eviction failed", "error", err)
			}
		}
	}
}

// NewThreadID generates a fresh checkpoint thread identity.
func NewThreadID() string { return uuid.NewString() }
