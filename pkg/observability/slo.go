package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget is the objective for one executor.
type SLOTarget struct {
	ExecutorID  string        `json:"executor_id"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	Window      time.Duration `json:"window"`
}

// SLOObservation is a single executor call.
type SLOObservation struct {
	ExecutorID string        `json:"executor_id"`
	Latency    time.Duration `json:"latency"`
	Success    bool          `json:"success"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	ExecutorID       string  `json:"executor_id"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker keeps a sliding window of executor calls. Observations older
// than the longest window are dropped on Record.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates a new tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets the objective for an executor.
func (t *SLOTracker) SetTarget(target SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if target.Window <= 0 {
		target.Window = 24 * time.Hour
	}
	t.targets[target.ExecutorID] = &target
}

// Record adds an observation.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	window := 24 * time.Hour
	if target, ok := t.targets[obs.ExecutorID]; ok {
		window = target.Window
	}
	cutoff := obs.Timestamp.Add(-window)
	kept := t.observations[obs.ExecutorID][:0]
	for _, o := range t.observations[obs.ExecutorID] {
		if o.Timestamp.After(cutoff) {
			kept = append(kept, o)
		}
	}
	t.observations[obs.ExecutorID] = append(kept, obs)
}

// Executors lists executors with a target, in order.
func (t *SLOTracker) Executors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.targets))
	for id := range t.targets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Status computes current compliance for an executor.
func (t *SLOTracker) Status(executorID string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[executorID]
	if !ok {
		return nil, fmt.Errorf("no SLO target for executor %q", executorID)
	}
	windowStart := t.clock().Add(-target.Window)
	var windowed []SLOObservation
	for _, obs := range t.observations[executorID] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}
	if len(windowed) == 0 {
		return &SLOStatus{
			ExecutorID:      executorID,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))
	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
	} else if errorRate > 0 {
		budgetLeft = 0
	}
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		ExecutorID:       executorID,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     p99 <= float64(target.LatencyP99.Milliseconds()) && successRate >= target.SuccessRate,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
