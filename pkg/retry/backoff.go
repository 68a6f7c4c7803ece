// Package retry computes retry delays for execution plans.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// DefaultBackoffSeconds is the schedule used when a plan carries none.
var DefaultBackoffSeconds = []int{1, 2, 4}

// maxDelay caps the doubling beyond the configured schedule.
const maxDelay = 24 * time.Hour

// Policy is a plan's retry policy resolved against the configured defaults.
type Policy struct {
	MaxAttempts int
	Backoff     []time.Duration
	// MaxJitter adds a deterministic jitter in [0, MaxJitter) keyed by the
	// item id and attempt. Zero disables jitter.
	MaxJitter time.Duration
}

// Defaults are applied to plans that leave fields unset.
type Defaults struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffSeconds []int         `yaml:"backoff_seconds"`
	MaxJitter      time.Duration `yaml:"max_jitter"`
}

// Resolve builds the effective policy for a plan.
func Resolve(rp contracts.RetryPolicy, d Defaults) Policy {
	p := Policy{MaxAttempts: rp.MaxAttempts, MaxJitter: d.MaxJitter}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	secs := rp.BackoffSeconds
	if len(secs) == 0 {
		secs = d.BackoffSeconds
	}
	if len(secs) == 0 {
		secs = DefaultBackoffSeconds
	}
	p.Backoff = make([]time.Duration, len(secs))
	for i, s := range secs {
		p.Backoff[i] = time.Duration(s) * time.Second
	}
	return p
}

// Delay returns the wait before retry n (1-based). Past the end of the
// schedule the last delay keeps doubling.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || len(p.Backoff) == 0 {
		return 0
	}
	if n <= len(p.Backoff) {
		return p.Backoff[n-1]
	}
	d := p.Backoff[len(p.Backoff)-1]
	for i := len(p.Backoff); i < n; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return d
}

// DelayFor returns the retry delay plus deterministic jitter for an item.
func (p Policy) DelayFor(itemID string, n int) time.Duration {
	return p.Delay(n) + Jitter(itemID, n, p.MaxJitter)
}

// Exhausted reports whether attempts executions have used up the policy.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Jitter derives a stable offset in [0, max) from the item id and attempt,
// so every worker schedules the same retry at the same instant.
func Jitter(itemID string, attempt int, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", itemID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(max)) //nolint:gosec // max is always positive
}
