package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/obs"
	"github.com/veritas-lab/veritas/internal/pipeline"
	"github.com/veritas-lab/veritas/internal/retrieval"
	"github.com/veritas-lab/veritas/internal/storage"
)

// persistTimeout bounds the analysis save after a run completes. The save
// uses its own context so a client disconnect cannot abort it.
const persistTimeout = 5 * time.Second

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	pipe                *pipeline.Pipeline
	retrieval           *retrieval.Backend
	searcher            *retrieval.ChunkIndex
	ragModel            *llm.Client
	collector           *obs.Collector
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	modelInfo           model.ModelInfo
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, Searcher, RAGModel, Collector.
type HandlersDeps struct {
	DB                  *storage.DB
	Pipeline            *pipeline.Pipeline
	Retrieval           *retrieval.Backend
	Searcher            *retrieval.ChunkIndex
	RAGModel            *llm.Client
	Collector           *obs.Collector
	Logger              *slog.Logger
	Version             string
	ModelInfo           model.ModelInfo
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		pipe:                d.Pipeline,
		retrieval:           d.Retrieval,
		searcher:            d.Searcher,
		ragModel:            d.RAGModel,
		collector:           d.Collector,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		modelInfo:           d.ModelInfo,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleTruthCheck handles POST /truth/check: runs the full pipeline
// synchronously and returns the verdict envelope.
func (h *Handlers) HandleTruthCheck(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTruthCheck(w, r)
	if !ok {
		return
	}

	result, err := h.pipe.Run(r.Context(), req, nil)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}

	resp := h.buildResponse(result, req.IncludeFullOutputs)
	h.persistAnalysis(resp)
	writeJSON(w, r, http.StatusOK, resp)
}

// decodeTruthCheck decodes and validates a verification request, writing
// the 422 envelope itself on failure.
func (h *Handlers) decodeTruthCheck(w http.ResponseWriter, r *http.Request) (model.TruthCheckRequest, bool) {
	var req model.TruthCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return req, false
	}
	if req.InputType == "" {
		req.InputType = model.InputTypeText
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, err.Error())
		return req, false
	}
	return req, true
}

// writePipelineError maps orchestrator errors onto HTTP statuses. Raw error
// strings never reach the caller; the envelope carries the stable code.
func (h *Handlers) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ErrCodePipelineFailed
	status := http.StatusInternalServerError

	var perr *pipeline.Error
	if errors.As(err, &perr) {
		code = perr.Code
	}
	switch code {
	case model.ErrCodeInvalidInput:
		status = http.StatusUnprocessableEntity
	case model.ErrCodeCheckpointBackend:
		status = http.StatusServiceUnavailable
	}

	h.logger.Error("pipeline execution failed",
		"code", code,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err,
	)
	writeError(w, r, status, code, safePipelineMessage(code))
}

func safePipelineMessage(code string) string {
	switch code {
	case model.ErrCodeInvalidInput:
		return "invalid request"
	case model.ErrCodeCancelled:
		return "request was cancelled"
	case model.ErrCodeCheckpointBackend:
		return "checkpoint backend unavailable"
	default:
		return "pipeline execution failed"
	}
}

// buildResponse flattens a run result into the response envelope. List and
// map fields are always non-nil.
func (h *Handlers) buildResponse(result *pipeline.RunResult, includeFull bool) *model.TruthCheckResponse {
	st := result.State
	resp := &model.TruthCheckResponse{
		AnalysisID: uuid.New(),
		Claim:      st.ClaimText,
		Label:      model.LabelUnverified,
		ModelInfo:  h.modelInfo,
		LatencyMS:  result.Latency.Milliseconds(),
		CostUSD:    result.Usage.CostUSD,
		CreatedAt:  time.Now().UTC(),

		RiskFlags:    st.RiskFlags,
		StageLogs:    st.StageLogs,
		StageOutputs: st.StageOutputs,

		CheckpointThreadID: st.CheckpointThreadID,
		CheckpointResumed:  result.CheckpointResumed,
		CheckpointExpired:  result.CheckpointExpired,
	}

	if v := st.FinalVerdict; v != nil {
		resp.Label = v.Label
		resp.Confidence = v.Confidence
		resp.Summary = v.Summary
		resp.Rationale = v.Rationale
		resp.Citations = v.Citations
		resp.CounterEvidence = v.CounterEvidence
		resp.Limitations = v.Limitations
		resp.RiskFlags = v.RiskFlags
	}
	if st.DraftVerdict != nil {
		resp.RecommendedNextSteps = st.DraftVerdict.FollowupQueries
	}
	if includeFull {
		resp.StageFullOutputs = st.StageFullOutputs
	}

	if resp.Rationale == nil {
		resp.Rationale = []string{}
	}
	if resp.Citations == nil {
		resp.Citations = []model.Citation{}
	}
	if resp.CounterEvidence == nil {
		resp.CounterEvidence = []model.Citation{}
	}
	if resp.Limitations == nil {
		resp.Limitations = []string{}
	}
	if resp.RecommendedNextSteps == nil {
		resp.RecommendedNextSteps = []string{}
	}
	if resp.RiskFlags == nil {
		resp.RiskFlags = []string{}
	}
	if resp.StageLogs == nil {
		resp.StageLogs = []model.StageLog{}
	}
	if resp.StageOutputs == nil {
		resp.StageOutputs = map[string]any{}
	}
	return resp
}

// persistAnalysis saves the verdict when persistence is configured. A save
// failure is flagged on the response but never fails the request.
func (h *Handlers) persistAnalysis(resp *model.TruthCheckResponse) {
	if h.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	id, err := h.db.SaveAnalysis(ctx, resp)
	if err != nil {
		h.logger.Warn("analysis persistence failed", "analysis_id", resp.AnalysisID, "error", err)
		resp.RiskFlags = appendUnique(resp.RiskFlags, model.RiskPersistenceFailed)
		return
	}
	resp.AnalysisID = id
}

func appendUnique(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}

// HandleGetAnalysis handles GET /api/truth/analyses/{analysis_id}.
func (h *Handlers) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "persistence not configured")
		return
	}
	id, err := uuid.Parse(r.PathValue("analysis_id"))
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, "invalid analysis_id")
		return
	}

	rec, err := h.db.GetAnalysis(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "analysis not found")
			return
		}
		h.logger.Error("get analysis failed", "analysis_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load analysis")
		return
	}
	writeJSON(w, r, http.StatusOK, rec.Response)
}

// HandleRecentAnalyses handles GET /api/truth/analyses.
func (h *Handlers) HandleRecentAnalyses(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "persistence not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	records, err := h.db.RecentAnalyses(r.Context(), limit)
	if err != nil {
		h.logger.Error("recent analyses failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list analyses")
		return
	}
	if records == nil {
		records = []storage.AnalysisRecord{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"analyses": records})
}

// HandleObsStats handles GET /api/obs/stats: the in-process observability
// snapshot (stage latencies, provider ratios, recent trace events).
func (h *Handlers) HandleObsStats(w http.ResponseWriter, r *http.Request) {
	stages, providers, events := h.collector.Snapshot()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"stages":        stages,
		"providers":     providers,
		"recent_events": events,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	resp := model.HealthResponse{
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	if h.db != nil {
		resp.Postgres = "connected"
		if err := h.db.Ping(r.Context()); err != nil {
			resp.Postgres = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	} else {
		resp.Postgres = "disabled"
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	resp.Status = status
	writeJSON(w, r, httpStatus, resp)
}
