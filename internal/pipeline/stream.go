package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-lab/veritas/internal/model"
)

// StreamOptions tunes the event stream.
type StreamOptions struct {
	// V2 adds the stream_open preamble and heartbeat events.
	V2 bool

	// HeartbeatInterval overrides the configured default when positive.
	HeartbeatInterval time.Duration
}

// StreamOutcome carries the run result (or error) alongside the events.
type StreamOutcome struct {
	Result *RunResult
	Err    error
}

// Stream executes the pipeline and emits one event per line contract:
// optional stream_open, stage_complete per stage, heartbeats while idle
// (v2), and exactly one terminal complete or error event. The returned
// outcome channel yields once, after the terminal event.
func (p *Pipeline) Stream(ctx context.Context, req model.TruthCheckRequest, opts StreamOptions) (<-chan model.StreamEvent, <-chan StreamOutcome) {
	events := make(chan model.StreamEvent, 8)
	outcome := make(chan StreamOutcome, 1)

	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = p.cfg.HeartbeatInterval
	}

	go func() {
		defer close(events)
		defer close(outcome)

		traceID := uuid.New()
		emit := func(ev model.StreamEvent) {
			ev.TraceID = traceID
			ev.TS = time.Now().UTC()
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		// +1 for the open marker that precedes the first stage event.
		stageEvents := make(chan model.StreamEvent, len(model.StageOrder)+1)
		done := make(chan StreamOutcome, 1)

		go func() {
			result, err := p.run(ctx, req, func(stage string, st *model.PipelineState) {
				stageEvents <- model.StreamEvent{
					Event:   model.EventStageComplete,
					Stage:   stage,
					Data:    st.StageOutputs[stage],
					TraceID: st.TraceID,
				}
			}, func(st *model.PipelineState) {
				// The preamble waits for the resolved state so a resumed
				// run keeps its original trace identity.
				stageEvents <- model.StreamEvent{
					Event:   model.EventStreamOpen,
					TraceID: st.TraceID,
				}
			})
			close(stageEvents)
			done <- StreamOutcome{Result: result, Err: err}
		}()

		var heartbeat *time.Ticker
		var heartbeatC <-chan time.Time
		defer func() {
			if heartbeat != nil {
				heartbeat.Stop()
			}
		}()

		for {
			select {
			case ev, ok := <-stageEvents:
				if !ok {
					// Pipeline finished; drain the outcome and emit the
					// terminal event.
					out := <-done
					p.emitTerminal(emit, out)
					outcome <- out
					return
				}
				traceID = ev.TraceID
				if ev.Event == model.EventStreamOpen {
					if opts.V2 {
						emit(ev)
						heartbeat = time.NewTicker(interval)
						heartbeatC = heartbeat.C
					}
					continue
				}
				emit(ev)
				if heartbeat != nil {
					heartbeat.Reset(interval)
				}
			case <-heartbeatC:
				emit(model.StreamEvent{Event: model.EventHeartbeat})
			case <-ctx.Done():
				out := StreamOutcome{Err: &Error{Code: model.ErrCodeCancelled, Message: "stream cancelled", Err: ctx.Err()}}
				p.emitTerminal(emit, out)
				outcome <- out
				return
			}
		}
	}()

	return events, outcome
}

// emitTerminal sends exactly one complete or error event.
func (p *Pipeline) emitTerminal(emit func(model.StreamEvent), out StreamOutcome) {
	if out.Err != nil {
		code := model.ErrCodePipelineFailed
		var perr *Error
		if errors.As(out.Err, &perr) {
			code = perr.Code
		}
		emit(model.StreamEvent{
			Event: model.EventError,
			Data:  model.ErrorDetail{Code: code, Message: safeMessage(code)},
		})
		return
	}
	emit(model.StreamEvent{
		Event: model.EventComplete,
		Data:  out.Result.State.FinalVerdict,
	})
}

// safeMessage maps codes to stable user-facing text; raw error strings
// never reach the stream.
func safeMessage(code string) string {
	switch code {
	case model.ErrCodeCancelled:
		return "request was cancelled"
	case model.ErrCodeCheckpointBackend:
		return "checkpoint backend unavailable"
	case model.ErrCodeInvalidInput:
		return "invalid request"
	default:
		return "pipeline execution failed"
	}
}
