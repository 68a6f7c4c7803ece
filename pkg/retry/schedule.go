package retry

import "time"

// Attempt is one planned execution.
type Attempt struct {
	Index       int           `json:"attempt_index"`
	Delay       time.Duration `json:"delay"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// Schedule lays out every attempt the policy allows, assuming each one
// fails immediately. Attempt 1 runs at from.
func (p Policy) Schedule(itemID string, from time.Time) []Attempt {
	out := make([]Attempt, p.MaxAttempts)
	at := from
	for i := 0; i < p.MaxAttempts; i++ {
		var d time.Duration
		if i > 0 {
			d = p.DelayFor(itemID, i)
		}
		at = at.Add(d)
		out[i] = Attempt{Index: i + 1, Delay: d, ScheduledAt: at}
	}
	return out
}

// Total is the minimum elapsed time between the first and the last attempt.
func (p Policy) Total() time.Duration {
	var total time.Duration
	for n := 1; n < p.MaxAttempts; n++ {
		total += p.Delay(n)
	}
	return total
}
