// Package obs holds in-process observability accumulators: per-stage
// latency samples, per-provider success ratios, and a bounded ring of
// recent trace events.
package obs

import (
	"sort"
	"sync"
	"time"
)

const (
	maxLatencySamples = 500
	maxRecentEvents   = 200
)

// Event is one entry in the recent-trace ring.
type Event struct {
	TraceID string    `json:"trace_id"`
	Stage   string    `json:"stage"`
	Kind    string    `json:"kind"` // stage_complete | error | cancelled
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// StageStats summarizes one stage's latency distribution.
type StageStats struct {
	Count int     `json:"count"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	MaxMS float64 `json:"max_ms"`
}

// ProviderStats summarizes one provider's call outcomes.
type ProviderStats struct {
	Calls        int     `json:"calls"`
	Failures     int     `json:"failures"`
	Retries      int     `json:"retries"`
	SuccessRatio float64 `json:"success_ratio"`
}

// Collector is the process-wide accumulator. Safe for concurrent use; all
// state is bounded.
type Collector struct {
	mu sync.Mutex

	latencies map[string][]float64 // stage -> ms samples, capped
	providers map[string]*ProviderStats

	events    [maxRecentEvents]Event
	eventHead int
	eventLen  int
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		latencies: make(map[string][]float64),
		providers: make(map[string]*ProviderStats),
	}
}

// ObserveStage records one stage latency sample. The oldest sample is
// dropped once the per-stage cap is reached.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	samples := c.latencies[stage]
	if len(samples) >= maxLatencySamples {
		samples = samples[1:]
	}
	c.latencies[stage] = append(samples, float64(d.Milliseconds()))
}

// ObserveProvider records one external call outcome.
func (c *Collector) ObserveProvider(provider string, ok bool, retries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok2 := c.providers[provider]
	if !ok2 {
		st = &ProviderStats{}
		c.providers[provider] = st
	}
	st.Calls++
	st.Retries += retries
	if !ok {
		st.Failures++
	}
}

// RecordEvent appends to the recent-trace ring, overwriting the oldest
// entry when full.
func (c *Collector) RecordEvent(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[c.eventHead] = ev
	c.eventHead = (c.eventHead + 1) % maxRecentEvents
	if c.eventLen < maxRecentEvents {
		c.eventLen++
	}
}

// Snapshot returns current stats and recent events, oldest first.
func (c *Collector) Snapshot() (map[string]StageStats, map[string]ProviderStats, []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stages := make(map[string]StageStats, len(c.latencies))
	for stage, samples := range c.latencies {
		stages[stage] = summarize(samples)
	}

	providers := make(map[string]ProviderStats, len(c.providers))
	for name, st := range c.providers {
		out := *st
		if out.Calls > 0 {
			out.SuccessRatio = float64(out.Calls-out.Failures) / float64(out.Calls)
		}
		providers[name] = out
	}

	events := make([]Event, 0, c.eventLen)
	start := (c.eventHead - c.eventLen + maxRecentEvents) % maxRecentEvents
	for i := 0; i < c.eventLen; i++ {
		events = append(events, c.events[(start+i)%maxRecentEvents])
	}

	return stages, providers, events
}

func summarize(samples []float64) StageStats {
	st := StageStats{Count: len(samples)}
	if len(samples) == 0 {
		return st
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	st.P50MS = percentile(sorted, 0.50)
	st.P95MS = percentile(sorted, 0.95)
	st.MaxMS = sorted[len(sorted)-1]
	return st
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
