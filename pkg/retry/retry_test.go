package retry

import (
	"testing"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

func TestDelayFollowsSchedule(t *testing.T) {
	p := Resolve(contracts.RetryPolicy{MaxAttempts: 4, BackoffSeconds: []int{1, 2, 4}}, Defaults{})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if p.Delay(0) != 0 {
		t.Errorf("Delay(0) = %v, want 0", p.Delay(0))
	}
}

func TestDelayCapped(t *testing.T) {
	p := Resolve(contracts.RetryPolicy{MaxAttempts: 100, BackoffSeconds: []int{3600}}, Defaults{})
	if got := p.Delay(90); got != maxDelay {
		t.Fatalf("Delay(90) = %v, want cap %v", got, maxDelay)
	}
}

func TestResolveDefaults(t *testing.T) {
	p := Resolve(contracts.RetryPolicy{}, Defaults{MaxAttempts: 5, BackoffSeconds: []int{10}})
	if p.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.Delay(1) != 10*time.Second || p.Delay(2) != 20*time.Second {
		t.Fatalf("unexpected delays %v %v", p.Delay(1), p.Delay(2))
	}

	p = Resolve(contracts.RetryPolicy{}, Defaults{})
	if p.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, want 1", p.MaxAttempts)
	}
	if p.Delay(1) != time.Second || p.Delay(3) != 4*time.Second {
		t.Fatalf("built-in schedule not applied: %v %v", p.Delay(1), p.Delay(3))
	}
}

func TestExhausted(t *testing.T) {
	p := Resolve(contracts.RetryPolicy{MaxAttempts: 3}, Defaults{})
	if p.Exhausted(2) {
		t.Fatal("2 of 3 attempts must not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Fatal("3 of 3 attempts must be exhausted")
	}
}

func TestSchedule(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	p := Resolve(contracts.RetryPolicy{MaxAttempts: 4, BackoffSeconds: []int{1, 2, 4}}, Defaults{})

	s := p.Schedule("item-1", now)
	if len(s) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(s))
	}
	if !s[0].ScheduledAt.Equal(now) || s[0].Delay != 0 {
		t.Errorf("attempt 1 = %+v, want immediate", s[0])
	}
	if !s[3].ScheduledAt.Equal(now.Add(7 * time.Second)) {
		t.Errorf("attempt 4 at %v, want %v", s[3].ScheduledAt, now.Add(7*time.Second))
	}
	if p.Total() != 7*time.Second {
		t.Errorf("Total = %v, want 7s", p.Total())
	}
}

func TestDeterministicJitter(t *testing.T) {
	j1 := Jitter("item-1", 2, time.Second)
	j2 := Jitter("item-1", 2, time.Second)
	if j1 != j2 {
		t.Errorf("Jitter non-deterministic: %v vs %v", j1, j2)
	}
	if j1 < 0 || j1 >= time.Second {
		t.Errorf("Jitter %v out of range", j1)
	}
	if Jitter("item-1", 2, 0) != 0 {
		t.Error("zero max must disable jitter")
	}
	if Jitter("item-2", 2, time.Second) == j1 {
		t.Logf("Warning: jitter collision for different items (could be chance)")
	}
}
