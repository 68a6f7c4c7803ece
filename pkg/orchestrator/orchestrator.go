// Package orchestrator executes approved items. The claim is the item
// store's Approved -> Executing move, so any number of orchestrators may
// poll the same store and each item still runs at most once at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/executor"
	"github.com/Mindburn-Labs/steward/pkg/observability"
	"github.com/Mindburn-Labs/steward/pkg/retry"
	"github.com/Mindburn-Labs/steward/pkg/store/items"
)

// Config tunes the poll loop. Zero fields take DefaultConfig values.
type Config struct {
	Workers           int            `yaml:"workers"`
	PollInterval      time.Duration  `yaml:"poll_interval"`
	LivenessThreshold time.Duration  `yaml:"liveness_threshold"`
	DefaultTimeout    time.Duration  `yaml:"default_timeout"`
	Retry             retry.Defaults `yaml:"retry"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PollInterval:      time.Second,
		LivenessThreshold: 5 * time.Minute,
		DefaultTimeout:    30 * time.Second,
		Retry: retry.Defaults{
			MaxAttempts:    3,
			BackoffSeconds: append([]int(nil), retry.DefaultBackoffSeconds...),
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LivenessThreshold <= 0 {
		c.LivenessThreshold = d.LivenessThreshold
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if len(c.Retry.BackoffSeconds) == 0 {
		c.Retry.BackoffSeconds = d.Retry.BackoffSeconds
	}
	return c
}

// Invoker runs a plan. *executor.Registry implements it.
type Invoker interface {
	Invoke(ctx context.Context, plan *contracts.ExecutionPlan, timeout time.Duration) (executor.Result, error)
}

// PollResult counts what one Poll did.
type PollResult struct {
	Recovered  int `json:"recovered"`
	Abandoned  int `json:"abandoned"`
	Dispatched int `json:"dispatched"`
	Conflicts  int `json:"conflicts"`
	Waiting    int `json:"waiting"`
}

// Orchestrator claims and runs approved items.
type Orchestrator struct {
	cfg     Config
	store   items.Store
	invoker Invoker
	audit   audit.Recorder
	obs     *observability.Provider
	slo     *observability.SLOTracker
	clock   func() time.Time
	logger  *slog.Logger

	slots *semaphore.Weighted
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock for claims, retries and recovery.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithObservability records spans and execution metrics.
func WithObservability(obs *observability.Provider) Option {
	return func(o *Orchestrator) { o.obs = obs }
}

// WithSLOTracker feeds every executor call into t.
func WithSLOTracker(t *observability.SLOTracker) Option {
	return func(o *Orchestrator) { o.slo = t }
}

// New creates an orchestrator.
func New(store items.Store, invoker Invoker, recorder audit.Recorder, cfg Config, opts ...Option) *Orchestrator {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		invoker:  invoker,
		audit:    recorder,
		obs:      observability.Noop(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "orchestrator"),
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Run polls until ctx is done, then waits for running executions. Calls in
// flight are not cancelled; they end at their own timeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "orchestrator started",
		"workers", o.cfg.Workers,
		"poll_interval", o.cfg.PollInterval,
		"liveness_threshold", o.cfg.LivenessThreshold,
	)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := o.Poll(ctx); err != nil && ctx.Err() == nil {
			o.logger.ErrorContext(ctx, "poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			o.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until every dispatched execution has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Poll recovers abandoned claims, then dispatches due Approved items into
// free slots. It returns once dispatching is done; executions continue in
// the background.
func (o *Orchestrator) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	rec, err := o.recover(ctx)
	res.Recovered, res.Abandoned = rec.Recovered, rec.Abandoned
	if err != nil {
		return res, err
	}

	refs, err := o.store.List(ctx, contracts.BucketApproved)
	if err != nil {
		return res, fmt.Errorf("list approved: %w", err)
	}
	for _, ref := range refs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if o.isInflight(ref.ID) {
			continue
		}
		item, err := o.store.Read(ctx, ref.ID)
		if err != nil {
			if !errors.Is(err, contracts.ErrNotFound) {
				o.logger.WarnContext(ctx, "cannot read approved item", "action_id", ref.ID, "error", err)
			}
			continue
		}
		if item.Status != contracts.BucketApproved {
			continue
		}
		now := o.clock()
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			res.Waiting++
			continue
		}
		if !o.slots.TryAcquire(1) {
			// All slots busy; the rest wait for the next poll.
			break
		}
		// The claim is only valid for the version the due check saw.
		claimed, err := o.store.Transition(ctx, item.ID, contracts.BucketApproved, contracts.BucketExecuting, contracts.Patch{
			IfVersion:        item.Version,
			Attempts:         contracts.Int(item.Attempts + 1),
			ClaimedAt:        contracts.Time(now),
			ClearNextAttempt: true,
		})
		if err != nil {
			o.slots.Release(1)
			if errors.Is(err, contracts.ErrConflict) {
				res.Conflicts++
				o.logger.DebugContext(ctx, "item claimed elsewhere", "action_id", item.ID)
				continue
			}
			o.logger.WarnContext(ctx, "claim failed", "action_id", item.ID, "error", err)
			continue
		}
		o.obs.RecordTransition(ctx, string(contracts.BucketApproved), string(contracts.BucketExecuting))
		res.Dispatched++
		o.setInflight(claimed.ID, true)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.slots.Release(1)
			defer o.setInflight(claimed.ID, false)
			o.execute(context.WithoutCancel(ctx), claimed)
		}()
	}
	return res, nil
}

func (o *Orchestrator) isInflight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[id]
}

func (o *Orchestrator) setInflight(id string, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if on {
		o.inflight[id] = true
	} else {
		delete(o.inflight, id)
	}
}

func (o *Orchestrator) execute(ctx context.Context, item contracts.ActionItem) {
	plan := item.Plan
	if plan == nil {
		// Fails as an unknown executor below.
		plan = &contracts.ExecutionPlan{}
	}
	timeout := plan.Timeout(o.cfg.DefaultTimeout)
	policy := retry.Resolve(plan.RetryPolicy, o.cfg.Retry)

	ctx, finish := o.obs.TrackOperation(ctx, "orchestrator.execute",
		observability.ExecutionOperation(item.ID, plan.ExecutorID, plan.Operation, item.Attempts)...)
	start := time.Now()
	result, err := o.invoker.Invoke(ctx, plan, timeout)
	elapsed := time.Since(start)
	finish(err)
	now := o.clock()

	inputs := map[string]any{
		"executor_id": plan.ExecutorID,
		"operation":   plan.Operation,
		"attempt":     item.Attempts,
		"parameters":  plan.Parameters,
	}

	if err == nil {
		o.observe(ctx, plan.ExecutorID, "done", elapsed, true)
		_, terr := o.store.Transition(ctx, item.ID, contracts.BucketExecuting, contracts.BucketDone, contracts.Patch{
			ClearClaim:  true,
			ProcessedAt: contracts.Time(now),
			Metadata:    map[string]any{"result": map[string]any(result)},
		})
		if terr != nil {
			o.logger.ErrorContext(ctx, "failed to record success", "action_id", item.ID, "error", terr)
			return
		}
		o.obs.RecordTransition(ctx, string(contracts.BucketExecuting), string(contracts.BucketDone))
		o.audit.Record(ctx, audit.Entry{
			ActionID:  item.ID,
			EventType: audit.EventExecution,
			Outcome:   "success",
			Inputs:    inputs,
		})
		return
	}

	kind, code := executor.Classify(err)
	inputs["error_kind"] = string(kind)
	inputs["error_code"] = code

	if kind == executor.Transient && !policy.Exhausted(item.Attempts) {
		o.observe(ctx, plan.ExecutorID, "retry", elapsed, false)
		delay := policy.DelayFor(item.ID, item.Attempts)
		next := now.Add(delay)
		_, terr := o.store.Transition(ctx, item.ID, contracts.BucketExecuting, contracts.BucketApproved, contracts.Patch{
			ClearClaim:    true,
			NextAttemptAt: &next,
			LastError:     contracts.String(err.Error()),
		})
		if terr != nil {
			o.logger.ErrorContext(ctx, "failed to schedule retry", "action_id", item.ID, "error", terr)
			return
		}
		o.obs.RecordTransition(ctx, string(contracts.BucketExecuting), string(contracts.BucketApproved))
		inputs["delay_seconds"] = delay.Seconds()
		inputs["next_attempt_at"] = next.UTC().Format(time.RFC3339Nano)
		o.audit.Record(ctx, audit.Entry{
			ActionID:  item.ID,
			EventType: audit.EventRetryScheduled,
			Outcome:   "retry",
			Level:     audit.LevelWarn,
			Inputs:    inputs,
			Error:     err.Error(),
		})
		o.logger.WarnContext(ctx, "execution failed, retry scheduled",
			"action_id", item.ID, "attempt", item.Attempts, "delay", delay, "error", err)
		return
	}

	o.observe(ctx, plan.ExecutorID, "failed", elapsed, false)
	_, terr := o.store.Transition(ctx, item.ID, contracts.BucketExecuting, contracts.BucketFailed, contracts.Patch{
		ClearClaim:  true,
		ProcessedAt: contracts.Time(now),
		LastError:   contracts.String(err.Error()),
	})
	if terr != nil {
		o.logger.ErrorContext(ctx, "failed to record failure", "action_id", item.ID, "error", terr)
		return
	}
	o.obs.RecordTransition(ctx, string(contracts.BucketExecuting), string(contracts.BucketFailed))
	o.audit.Record(ctx, audit.Entry{
		ActionID:  item.ID,
		EventType: audit.EventExecution,
		Outcome:   "failed",
		Level:     audit.LevelError,
		Inputs:    inputs,
		Error:     err.Error(),
	})
	o.logger.ErrorContext(ctx, "execution failed", "action_id", item.ID, "attempt", item.Attempts, "kind", kind, "error", err)
}

func (o *Orchestrator) observe(ctx context.Context, executorID, outcome string, d time.Duration, ok bool) {
	o.obs.RecordExecution(ctx, executorID, outcome, d)
	if o.slo != nil {
		o.slo.Record(observability.SLOObservation{ExecutorID: executorID, Latency: d, Success: ok})
	}
}
