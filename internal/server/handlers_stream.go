package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/pipeline"
)

// HandleTruthCheckStream handles POST /api/truth/check/stream: one JSON
// object per line with stage_complete events and a single terminal
// complete or error event.
func (h *Handlers) HandleTruthCheckStream(w http.ResponseWriter, r *http.Request) {
	h.streamTruthCheck(w, r, false)
}

// HandleTruthCheckStreamV2 handles POST /api/truth/check/stream-v2: the v1
// contract plus a stream_open preamble and heartbeats while no stage has
// completed.
func (h *Handlers) HandleTruthCheckStreamV2(w http.ResponseWriter, r *http.Request) {
	h.streamTruthCheck(w, r, true)
}

func (h *Handlers) streamTruthCheck(w http.ResponseWriter, r *http.Request, v2 bool) {
	req, ok := h.decodeTruthCheck(w, r)
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

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, slow pipelines are killed mid-stream.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	events, outcome := h.pipe.Stream(r.Context(), req, pipeline.StreamOptions{V2: v2})

	enc := json.NewEncoder(w)
	var writeErr error
	for ev := range events {
		if writeErr != nil {
			continue // connection is gone; drain so the pipeline can finish
		}
		if writeErr = enc.Encode(ev); writeErr != nil {
			continue
		}
		flusher.Flush()
	}

	out := <-outcome
	if out.Err != nil {
		h.logger.Warn("stream pipeline failed",
			"request_id", RequestIDFromContext(r.Context()), "error", out.Err)
		return
	}
	if out.Result.State.FinalVerdict != nil {
		resp := h.buildResponse(out.Result, req.IncludeFullOutputs)
		h.persistAnalysis(resp)
	}
}
