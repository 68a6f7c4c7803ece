package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/executor"
	"github.com/Mindburn-Labs/steward/pkg/observability"
	"github.com/Mindburn-Labs/steward/pkg/store/items"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scripted returns its errors in order, then succeeds.
type scripted struct {
	mu    sync.Mutex
	errs  []error
	calls int
	at    []time.Time
	clock *fakeClock
}

func (s *scripted) Invoke(ctx context.Context, plan *contracts.ExecutionPlan, timeout time.Duration) (executor.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.clock != nil {
		s.at = append(s.at, s.clock.Now())
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return executor.Result{"ok": true}, nil
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func approved(t *testing.T, store items.Store, fp string, rp contracts.RetryPolicy) string {
	t.Helper()
	ctx := context.Background()
	item := contracts.ActionItem{
		ID:         contracts.ItemID("test", fp),
		SourceType: "test",
		ActionType: "archive_file",
		Plan: &contracts.ExecutionPlan{
			ExecutorID:  "echo",
			Operation:   "run",
			Parameters:  map[string]any{"path": "/tmp/" + fp, "api_key": "sk-live-123"},
			RetryPolicy: rp,
		},
	}
	_, err := store.Create(ctx, item)
	require.NoError(t, err)
	_, err = store.Transition(ctx, item.ID, contracts.BucketIncoming, contracts.BucketTriaged, contracts.Patch{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, item.ID, contracts.BucketTriaged, contracts.BucketApproved, contracts.Patch{})
	require.NoError(t, err)
	return item.ID
}

func read(t *testing.T, store items.Store, id string) contracts.ActionItem {
	t.Helper()
	item, err := store.Read(context.Background(), id)
	require.NoError(t, err)
	return item
}

func poll(t *testing.T, o *Orchestrator) PollResult {
	t.Helper()
	res, err := o.Poll(context.Background())
	require.NoError(t, err)
	o.Wait()
	return res
}

func TestExecuteSuccess(t *testing.T) {
	store := items.NewMemoryStore()
	sink := audit.NewMemorySink()
	clock := newClock()
	inv := &scripted{}
	slo := observability.NewSLOTracker()
	o := New(store, inv, audit.NewLogger(sink), Config{}, WithClock(clock.Now), WithSLOTracker(slo))

	id := approved(t, store, "ok", contracts.RetryPolicy{})
	res := poll(t, o)
	assert.Equal(t, 1, res.Dispatched)

	item := read(t, store, id)
	assert.Equal(t, contracts.BucketDone, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Nil(t, item.ClaimedAt)
	require.NotNil(t, item.ProcessedAt)
	assert.Equal(t, true, item.Metadata["result"].(map[string]any)["ok"])

	execs := sink.ByType(audit.EventExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, "success", execs[0].Outcome)
	assert.Equal(t, id, execs[0].ActionID)
	params := execs[0].Inputs["parameters"].(map[string]any)
	assert.NotEqual(t, "sk-live-123", params["api_key"], "secrets must not reach the audit log")

	assert.Equal(t, []string{"echo"}, slo.Executors())
	assert.Equal(t, 1, inv.Calls())
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	store := items.NewMemoryStore()
	sink := audit.NewMemorySink()
	inv := &scripted{errs: []error{executor.TerminalError("auth", "credentials rejected")}}
	o := New(store, inv, audit.NewLogger(sink), Config{}, WithClock(newClock().Now))

	id := approved(t, store, "auth", contracts.RetryPolicy{MaxAttempts: 5})
	poll(t, o)
	poll(t, o)

	item := read(t, store, id)
	assert.Equal(t, contracts.BucketFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.LastError, "credentials rejected")
	assert.Equal(t, 1, inv.Calls())
	assert.Empty(t, sink.ByType(audit.EventRetryScheduled))

	execs := sink.ByType(audit.EventExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, "failed", execs[0].Outcome)
	assert.Equal(t, audit.LevelError, execs[0].Level)
	assert.Equal(t, "auth", execs[0].Inputs["error_code"])
}

func TestRetryWaitsForBackoff(t *testing.T) {
	store := items.NewMemoryStore()
	sink := audit.NewMemorySink()
	clock := newClock()
	inv := &scripted{clock: clock, errs: []error{
		executor.TransientError("unavailable", "503"),
		executor.TransientError("unavailable", "503"),
		executor.TransientError("unavailable", "503"),
		executor.TransientError("unavailable", "503"),
	}}
	o := New(store, inv, audit.NewLogger(sink), Config{}, WithClock(clock.Now))
	id := approved(t, store, "backoff", contracts.RetryPolicy{MaxAttempts: 4, BackoffSeconds: []int{1, 2, 4}})
	start := clock.Now()

	// Step the clock in half seconds and poll each time.
	for i := 0; i < 40 && read(t, store, id).Status != contracts.BucketFailed; i++ {
		poll(t, o)
		clock.Advance(500 * time.Millisecond)
	}

	item := read(t, store, id)
	assert.Equal(t, contracts.BucketFailed, item.Status)
	assert.Equal(t, 4, item.Attempts)
	require.Len(t, inv.at, 4)
	assert.True(t, inv.at[0].Equal(start))
	assert.GreaterOrEqual(t, inv.at[1].Sub(inv.at[0]), time.Second)
	assert.GreaterOrEqual(t, inv.at[2].Sub(inv.at[1]), 2*time.Second)
	assert.GreaterOrEqual(t, inv.at[3].Sub(inv.at[2]), 4*time.Second)
	assert.GreaterOrEqual(t, inv.at[3].Sub(start), 7*time.Second)

	retries := sink.ByType(audit.EventRetryScheduled)
	require.Len(t, retries, 3)
	assert.Equal(t, 1.0, retries[0].Inputs["delay_seconds"])
	assert.Equal(t, 4.0, retries[2].Inputs["delay_seconds"])
	assert.Equal(t, audit.LevelWarn, retries[0].Level)
}

func TestNotDueItemsWait(t *testing.T) {
	store := items.NewMemoryStore()
	clock := newClock()
	inv := &scripted{errs: []error{executor.TransientError("busy", "slow down")}}
	o := New(store, inv, audit.Nop{}, Config{}, WithClock(clock.Now))
	id := approved(t, store, "wait", contracts.RetryPolicy{MaxAttempts: 2, BackoffSeconds: []int{60}})

	poll(t, o)
	item := read(t, store, id)
	assert.Equal(t, contracts.BucketApproved, item.Status)
	require.NotNil(t, item.NextAttemptAt)
	assert.True(t, item.NextAttemptAt.Equal(clock.Now().Add(time.Minute)))

	res := poll(t, o)
	assert.Equal(t, 1, res.Waiting)
	assert.Equal(t, 1, inv.Calls())

	clock.Advance(time.Minute)
	poll(t, o)
	assert.Equal(t, contracts.BucketDone, read(t, store, id).Status)
	assert.Nil(t, read(t, store, id).NextAttemptAt)
}

func TestUnknownExecutorFails(t *testing.T) {
	store := items.NewMemoryStore()
	o := New(store, executor.NewRegistry(), audit.Nop{}, Config{}, WithClock(newClock().Now))
	id := approved(t, store, "unknown", contracts.RetryPolicy{MaxAttempts: 3})

	poll(t, o)
	item := read(t, store, id)
	assert.Equal(t, contracts.BucketFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
}

func TestRegistryEchoEndToEnd(t *testing.T) {
	store := items.NewMemoryStore()
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register("echo", executor.Echo()))
	o := New(store, reg, audit.Nop{}, Config{}, WithClock(newClock().Now))
	id := approved(t, store, "echo", contracts.RetryPolicy{})

	poll(t, o)
	item := read(t, store, id)
	assert.Equal(t, contracts.BucketDone, item.Status)
	result := item.Metadata["result"].(map[string]any)
	assert.Equal(t, "run", result["operation"])
	assert.Equal(t, "/tmp/echo", result["path"])
}

// blocking holds every call until release is closed.
type blocking struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (b *blocking) Invoke(ctx context.Context, plan *contracts.ExecutionPlan, timeout time.Duration) (executor.Result, error) {
	b.calls.Add(1)
	b.started <- struct{}{}
	<-b.release
	return executor.Result{}, nil
}

func TestWorkerSlotsBoundConcurrency(t *testing.T) {
	store := items.NewMemoryStore()
	inv := &blocking{started: make(chan struct{}, 8), release: make(chan struct{})}
	o := New(store, inv, audit.Nop{}, Config{Workers: 2}, WithClock(newClock().Now))
	for _, fp := range []string{"a", "b", "c"} {
		approved(t, store, fp, contracts.RetryPolicy{})
	}

	res, err := o.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
	<-inv.started
	<-inv.started

	// Running items are neither re-dispatched nor recovered.
	res, err = o.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched)
	assert.Zero(t, res.Recovered)

	close(inv.release)
	o.Wait()
	poll(t, o)
	assert.Equal(t, int32(3), inv.calls.Load())

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[contracts.BucketDone])
}

func TestTwoOrchestratorsExecuteOnce(t *testing.T) {
	store := items.NewMemoryStore()
	inv := &blocking{started: make(chan struct{}, 8), release: make(chan struct{})}
	clock := newClock()
	a := New(store, inv, audit.Nop{}, Config{}, WithClock(clock.Now))
	b := New(store, inv, audit.Nop{}, Config{}, WithClock(clock.Now))
	id := approved(t, store, "shared", contracts.RetryPolicy{})

	var wg sync.WaitGroup
	var dispatched atomic.Int32
	for _, o := range []*Orchestrator{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Poll(context.Background())
			assert.NoError(t, err)
			dispatched.Add(int32(res.Dispatched))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), dispatched.Load())
	<-inv.started

	assert.Equal(t, contracts.BucketExecuting, read(t, store, id).Status)
	close(inv.release)
	a.Wait()
	b.Wait()
	assert.Equal(t, int32(1), inv.calls.Load())
	assert.Equal(t, contracts.BucketDone, read(t, store, id).Status)
}

// interleaved runs hook once, right after the first Read, so another worker
// acts between this worker's read and its transition.
type interleaved struct {
	items.Store
	mu   sync.Mutex
	hook func()
}

func (s *interleaved) Read(ctx context.Context, id string) (contracts.ActionItem, error) {
	item, err := s.Store.Read(ctx, id)
	s.mu.Lock()
	hook := s.hook
	s.hook = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return item, err
}

func TestClaimAfterConcurrentRescheduleConflicts(t *testing.T) {
	base := items.NewMemoryStore()
	store := &interleaved{Store: base}
	clock := newClock()
	inv := &scripted{}
	o := New(store, inv, audit.Nop{}, Config{}, WithClock(clock.Now))
	id := approved(t, base, "raced", contracts.RetryPolicy{MaxAttempts: 2, BackoffSeconds: []int{1}})

	next := clock.Now().Add(time.Second)
	store.hook = func() {
		ctx := context.Background()
		_, err := base.Transition(ctx, id, contracts.BucketApproved, contracts.BucketExecuting, contracts.Patch{
			Attempts:  contracts.Int(1),
			ClaimedAt: contracts.Time(clock.Now()),
		})
		require.NoError(t, err)
		_, err = base.Transition(ctx, id, contracts.BucketExecuting, contracts.BucketApproved, contracts.Patch{
			ClearClaim:    true,
			NextAttemptAt: &next,
			LastError:     contracts.String("503"),
		})
		require.NoError(t, err)
	}

	res := poll(t, o)
	assert.Zero(t, res.Dispatched)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, inv.Calls())

	item := read(t, base, id)
	assert.Equal(t, contracts.BucketApproved, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.NextAttemptAt)
	assert.True(t, item.NextAttemptAt.Equal(next))

	// Once the backoff has passed the item runs with the counter intact.
	clock.Advance(time.Second)
	res = poll(t, o)
	assert.Equal(t, 1, res.Dispatched)
	item = read(t, base, id)
	assert.Equal(t, contracts.BucketDone, item.Status)
	assert.Equal(t, 2, item.Attempts)
}

func TestRecoverSkipsRenewedClaim(t *testing.T) {
	base := items.NewMemoryStore()
	store := &interleaved{Store: base}
	clock := newClock()
	o := New(store, &scripted{}, audit.Nop{}, Config{LivenessThreshold: time.Minute}, WithClock(clock.Now))
	id := approved(t, base, "renewed", contracts.RetryPolicy{MaxAttempts: 3})
	claimAndCrash(t, base, id, 1, clock.Now().Add(-time.Hour))

	store.hook = func() {
		ctx := context.Background()
		_, err := base.Transition(ctx, id, contracts.BucketExecuting, contracts.BucketApproved, contracts.Patch{ClearClaim: true})
		require.NoError(t, err)
		_, err = base.Transition(ctx, id, contracts.BucketApproved, contracts.BucketExecuting, contracts.Patch{
			Attempts:  contracts.Int(2),
			ClaimedAt: contracts.Time(clock.Now()),
		})
		require.NoError(t, err)
	}

	res, err := o.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Recovered)
	assert.Zero(t, res.Abandoned)

	item := read(t, base, id)
	assert.Equal(t, contracts.BucketExecuting, item.Status)
	assert.Equal(t, 2, item.Attempts)
	require.NotNil(t, item.ClaimedAt)
	assert.True(t, item.ClaimedAt.Equal(clock.Now()))
}

func claimAndCrash(t *testing.T, store items.Store, id string, attempts int, at time.Time) {
	t.Helper()
	_, err := store.Transition(context.Background(), id, contracts.BucketApproved, contracts.BucketExecuting, contracts.Patch{
		Attempts:  contracts.Int(attempts),
		ClaimedAt: contracts.Time(at),
	})
	require.NoError(t, err)
}

func TestRecoverAbandonedClaim(t *testing.T) {
	store := items.NewMemoryStore()
	sink := audit.NewMemorySink()
	clock := newClock()
	o := New(store, &scripted{}, audit.NewLogger(sink), Config{LivenessThreshold: time.Minute, DefaultTimeout: 30 * time.Second}, WithClock(clock.Now))
	id := approved(t, store, "crash", contracts.RetryPolicy{MaxAttempts: 3})
	claimAndCrash(t, store, id, 1, clock.Now())

	clock.Advance(80 * time.Second)
	res, err := o.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Recovered, "claim is still within liveness plus timeout")
	assert.Equal(t, contracts.BucketExecuting, read(t, store, id).Status)

	clock.Advance(20 * time.Second)
	res, err = o.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)

	item := read(t, store, id)
	assert.Equal(t, contracts.BucketApproved, item.Status)
	assert.Equal(t, 1, item.Attempts, "recovery keeps the attempt count")
	assert.Nil(t, item.ClaimedAt)
	require.Len(t, sink.ByType(audit.EventRecovered), 1)

	poll(t, o)
	item = read(t, store, id)
	assert.Equal(t, contracts.BucketDone, item.Status)
	assert.Equal(t, 2, item.Attempts)
}

func TestRecoverExhaustedClaimFails(t *testing.T) {
	store := items.NewMemoryStore()
	sink := audit.NewMemorySink()
	clock := newClock()
	inv := &scripted{}
	o := New(store, inv, audit.NewLogger(sink), Config{LivenessThreshold: time.Minute}, WithClock(clock.Now))
	id := approved(t, store, "spent", contracts.RetryPolicy{MaxAttempts: 2})
	claimAndCrash(t, store, id, 2, clock.Now().Add(-time.Hour))

	res := poll(t, o)
	assert.Equal(t, 1, res.Abandoned)
	item := read(t, store, id)
	assert.Equal(t, contracts.BucketFailed, item.Status)
	assert.Contains(t, item.LastError, "abandoned")
	assert.Zero(t, inv.Calls())

	rec := sink.ByType(audit.EventRecovered)
	require.Len(t, rec, 1)
	assert.Equal(t, string(contracts.BucketFailed), rec[0].Outcome)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := items.NewMemoryStore()
	o := New(store, &scripted{}, audit.Nop{}, Config{PollInterval: 10 * time.Millisecond}, WithClock(newClock().Now))
	id := approved(t, store, "run", contracts.RetryPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		item, err := store.Read(context.Background(), id)
		return err == nil && item.Status == contracts.BucketDone
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Workers: 7}.withDefaults()
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.LivenessThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, []int{1, 2, 4}, cfg.Retry.BackoffSeconds)
}
