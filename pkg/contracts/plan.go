package contracts

import (
	"fmt"
	"time"
)

// RetryPolicy bounds how often a plan is executed. MaxAttempts counts
// executions in total, not retries.
type RetryPolicy struct {
	MaxAttempts    int   `json:"max_attempts"`
	BackoffSeconds []int `json:"backoff_seconds,omitempty"`
}

// ExecutionPlan is the fully specified external operation an item performs
// once approved. A plan is never edited after it is attached.
type ExecutionPlan struct {
	ExecutorID     string         `json:"executor_id"`
	Operation      string         `json:"operation"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	RetryPolicy    RetryPolicy    `json:"retry_policy"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Timeout returns the plan timeout, or def when the plan leaves it unset.
func (p *ExecutionPlan) Timeout(def time.Duration) time.Duration {
	if p == nil || p.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Validate checks the fields an executor needs to run the plan.
func (p *ExecutionPlan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: missing execution plan", ErrMalformedItem)
	}
	if p.ExecutorID == "" {
		return fmt.Errorf("%w: plan.executor_id is required", ErrMalformedItem)
	}
	if p.Operation == "" {
		return fmt.Errorf("%w: plan.operation is required", ErrMalformedItem)
	}
	if p.RetryPolicy.MaxAttempts < 0 {
		return fmt.Errorf("%w: plan.retry_policy.max_attempts must not be negative", ErrMalformedItem)
	}
	for _, s := range p.RetryPolicy.BackoffSeconds {
		if s < 0 {
			return fmt.Errorf("%w: plan.retry_policy.backoff_seconds must not be negative", ErrMalformedItem)
		}
	}
	if p.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: plan.timeout_seconds must not be negative", ErrMalformedItem)
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Parameters = cloneMap(p.Parameters)
	if p.RetryPolicy.BackoffSeconds != nil {
		c.RetryPolicy.BackoffSeconds = append([]int(nil), p.RetryPolicy.BackoffSeconds...)
	}
	return &c
}

// CloneParameters deep-copies a parameter or metadata map.
func CloneParameters(m map[string]any) map[string]any {
	return cloneMap(m)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
