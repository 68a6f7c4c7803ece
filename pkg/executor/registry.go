package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

type entry struct {
	exec    Executor
	limiter *rate.Limiter
	schemas map[string]*jsonschema.Schema
}

// Option configures a registered executor.
type Option func(id string, e *entry) error

// WithRateLimit caps calls to the executor at rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(_ string, e *entry) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rate limit must be positive (rps=%v burst=%d)", rps, burst)
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithOperationSchema validates an operation's parameters against a JSON
// Schema (draft 2020-12) before every call.
func WithOperationSchema(operation, schema string) Option {
	return func(id string, e *entry) error {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://steward.schemas.local/executors/%s/%s.schema.json", id, operation)
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return fmt.Errorf("schema load failed for %s/%s: %w", id, operation, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("schema compile failed for %s/%s: %w", id, operation, err)
		}
		e.schemas[operation] = compiled
		return nil
	}
}

// Registry maps executor ids to executors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds or replaces the executor under id.
func (r *Registry) Register(id string, exec Executor, opts ...Option) error {
	if id == "" {
		return errors.New("executor id is required")
	}
	if exec == nil {
		return fmt.Errorf("executor %s is nil", id)
	}
	e := &entry{exec: exec, schemas: make(map[string]*jsonschema.Schema)}
	for _, opt := range opts {
		if err := opt(id, e); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	return nil
}

// IDs lists the registered executor ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke runs the plan's operation with the given timeout. An executor that
// ignores its context still releases the caller at the deadline; its
// goroutine is abandoned.
func (r *Registry) Invoke(ctx context.Context, plan *contracts.ExecutionPlan, timeout time.Duration) (Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: item has no plan", ErrInvalidParameters)
	}
	if timeout <= 0 {
		return nil, errors.New("executor timeout must be positive")
	}
	r.mu.RLock()
	e, ok := r.entries[plan.ExecutorID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, plan.ExecutorID)
	}
	if schema, ok := e.schemas[plan.Operation]; ok {
		if err := validate(schema, plan.Parameters); err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %w", ErrInvalidParameters, plan.ExecutorID, plan.Operation, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(callCtx); err != nil {
			return nil, &Error{Kind: Transient, Code: "rate_limited", Detail: plan.ExecutorID, Err: err}
		}
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	params := contracts.CloneParameters(plan.Parameters)
	go func() {
		res, err := e.exec.Execute(callCtx, plan.Operation, params, timeout)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, &Error{Kind: Transient, Code: "timeout", Detail: timeout.String(), Err: o.err}
		}
		return o.res, o.err
	case <-callCtx.Done():
		return nil, &Error{Kind: Transient, Code: "timeout", Detail: timeout.String(), Err: callCtx.Err()}
	}
}

// validate checks params in their JSON form so numbers compare the same way
// whether the plan came from disk or from code.
func validate(schema *jsonschema.Schema, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
