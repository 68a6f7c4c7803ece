// Package perception turns external signals into action items. Adapters
// produce Candidates; the Intake admits each one exactly once.
package perception

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/dedup"
	"github.com/Mindburn-Labs/steward/pkg/store/items"
)

// ErrInvalidCandidate is returned for a candidate without source or fingerprint.
var ErrInvalidCandidate = errors.New("invalid candidate")

// Candidate is what an adapter observed. Source and Fingerprint identify
// it; everything else becomes the item body.
type Candidate struct {
	Source      string                   `json:"source"`
	Fingerprint string                   `json:"fingerprint"`
	PayloadRef  string                   `json:"payload_ref,omitempty"`
	Priority    int                      `json:"priority"`
	ActionType  string                   `json:"action_type"`
	Plan        *contracts.ExecutionPlan `json:"plan,omitempty"`
	Metadata    map[string]any           `json:"metadata,omitempty"`
	ReceivedAt  time.Time                `json:"received_at,omitempty"`
}

// Admission reports what happened to a candidate.
type Admission struct {
	ItemID  string
	Verdict dedup.Verdict
}

// Handle is what a running adapter may do: report liveness and emit.
type Handle interface {
	Beat()
	Emit(ctx context.Context, c Candidate) (Admission, error)
}

// Adapter watches one input source. Run blocks until ctx is done or the
// source fails.
type Adapter interface {
	Name() string
	Run(ctx context.Context, h Handle) error
}

// Intake admits candidates into the item store.
type Intake struct {
	dedup  dedup.Store
	items  items.Store
	audit  audit.Recorder
	clock  func() time.Time
	logger *slog.Logger
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

// WithClock sets the clock used for received_at.
func WithClock(clock func() time.Time) IntakeOption {
	return func(in *Intake) { in.clock = clock }
}

// NewIntake wires the dedup filter in front of the item store.
func NewIntake(d dedup.Store, store items.Store, recorder audit.Recorder, opts ...IntakeOption) *Intake {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	in := &Intake{
		dedup:  d,
		items:  store,
		audit:  recorder,
		clock:  time.Now,
		logger: slog.Default().With("component", "perception"),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Submit admits c. A candidate seen before, by the dedup store or by the
// item store, is reported as Duplicate and changes nothing. When the item
// store fails the dedup record is released so a retry can admit it.
func (in *Intake) Submit(ctx context.Context, c Candidate) (Admission, error) {
	if c.Source == "" || c.Fingerprint == "" {
		return Admission{}, fmt.Errorf("%w: source and fingerprint are required", ErrInvalidCandidate)
	}
	id := contracts.ItemID(c.Source, c.Fingerprint)
	adm := Admission{ItemID: id, Verdict: dedup.Duplicate}

	v, err := in.dedup.Admit(ctx, c.Source, c.Fingerprint)
	if err != nil {
		return Admission{}, fmt.Errorf("dedup admit: %w", err)
	}
	if v == dedup.Duplicate {
		in.logger.DebugContext(ctx, "duplicate candidate dropped", "source", c.Source, "action_id", id)
		return adm, nil
	}

	received := c.ReceivedAt
	if received.IsZero() {
		received = in.clock()
	}
	item := contracts.ActionItem{
		ID:         id,
		SourceType: c.Source,
		ReceivedAt: received.UTC(),
		Priority:   c.Priority,
		PayloadRef: c.PayloadRef,
		ActionType: c.ActionType,
		Plan:       c.Plan.Clone(),
		Metadata:   contracts.CloneParameters(c.Metadata),
	}
	if _, err := in.items.Create(ctx, item); err != nil {
		if errors.Is(err, contracts.ErrDuplicateItem) {
			return adm, nil
		}
		// The record must go, or every retry would be answered Duplicate
		// for an item that was never stored.
		if ferr := in.dedup.Forget(context.WithoutCancel(ctx), c.Source, c.Fingerprint); ferr != nil {
			in.logger.ErrorContext(ctx, "failed to release dedup record after create failure",
				"source", c.Source,
				"action_id", id,
				"error", ferr,
			)
			return Admission{}, errors.Join(fmt.Errorf("create item: %w", err), fmt.Errorf("dedup forget: %w", ferr))
		}
		return Admission{}, fmt.Errorf("create item: %w", err)
	}

	adm.Verdict = dedup.Accepted
	in.audit.Record(ctx, audit.Entry{
		ActionID:  id,
		EventType: audit.EventAdmission,
		Outcome:   string(dedup.Accepted),
		Inputs: map[string]any{
			"source":      c.Source,
			"action_type": c.ActionType,
			"priority":    c.Priority,
			"payload_ref": c.PayloadRef,
		},
	})
	return adm, nil
}
