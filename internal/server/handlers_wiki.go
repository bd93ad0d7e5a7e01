package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/retrieval"
)

const ragAnswerMaxTokens = 1024

const ragSystemPrompt = `당신은 한국어 백과 코퍼스 기반 질의응답 도우미입니다.
제공된 컨텍스트만 근거로 답하고, 컨텍스트에 없는 내용은 모른다고 답하세요.`

// decodeWikiSearch decodes a retrieval request, writing the 422 envelope
// itself on failure.
func (h *Handlers) decodeWikiSearch(w http.ResponseWriter, r *http.Request) (model.WikiSearchRequest, bool) {
	var req model.WikiSearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return req, false
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, "question is required")
		return req, false
	}
	return req, true
}

func searchOptions(req model.WikiSearchRequest) retrieval.Options {
	return retrieval.Options{
		TopK:         req.TopK,
		PageIDs:      req.PageIDs,
		Window:       req.Window,
		MaxChars:     req.MaxChars,
		Mode:         req.Mode,
		EmbedMissing: true,
	}
}

// HandleWikiSearch handles POST /api/wiki/search: hybrid retrieval with
// mode auto-selection.
func (h *Handlers) HandleWikiSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeWikiSearch(w, r)
	if !ok {
		return
	}
	resp := h.retrieval.Search(r.Context(), req.Question, searchOptions(req))
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleWikiKeywordSearch handles POST /api/wiki/keyword-search: retrieval
// pinned to the lexical mode regardless of the requested one.
func (h *Handlers) HandleWikiKeywordSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeWikiSearch(w, r)
	if !ok {
		return
	}
	opts := searchOptions(req)
	opts.Mode = retrieval.ModeLexical
	opts.EmbedMissing = false
	resp := h.retrieval.Search(r.Context(), req.Question, opts)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleRAGWikiSearch handles POST /api/rag/wiki/search: retrieval shaped
// for prompt assembly, returning the ready-to-use context block.
func (h *Handlers) HandleRAGWikiSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeWikiSearch(w, r)
	if !ok {
		return
	}
	resp := h.retrieval.Search(r.Context(), req.Question, searchOptions(req))
	writeJSON(w, r, http.StatusOK, map[string]any{
		"question":       req.Question,
		"prompt_context": resp.PromptContext,
		"hits":           resp.Hits,
		"debug":          resp.Debug,
	})
}

// HandleRAGStream handles POST /wiki/rag-stream: NDJSON with a context
// event carrying the retrieved hits, an answer event with the generated
// text, and a terminal complete or error event.
func (h *Handlers) HandleRAGStream(w http.ResponseWriter, r *http.Request) {
	if h.ragModel == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "generation model not configured")
		return
	}
	req, ok := h.decodeWikiSearch(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeStreamInitFailed, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	traceID := uuid.New()
	enc := json.NewEncoder(w)
	emit := func(event string, data any) bool {
		err := enc.Encode(model.StreamEvent{
			Event:   event,
			Data:    data,
			TraceID: traceID,
			TS:      time.Now().UTC(),
		})
		if err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	search := h.retrieval.Search(r.Context(), req.Question, searchOptions(req))
	if !emit("context", map[string]any{"hits": search.Hits, "prompt_context": search.PromptContext}) {
		return
	}

	user := "컨텍스트:\n" + search.PromptContext + "\n\n질문: " + req.Question
	answer, err := h.ragModel.Call(r.Context(), ragSystemPrompt, user, ragAnswerMaxTokens, 0.2, nil)
	if err != nil {
		h.logger.Warn("rag generation failed",
			"request_id", RequestIDFromContext(r.Context()), "error", err)
		emit(model.EventError, model.ErrorDetail{
			Code:    model.ErrCodeInternalError,
			Message: "generation failed",
		})
		return
	}

	if !emit("answer", answer) {
		return
	}
	emit(model.EventComplete, nil)
}
