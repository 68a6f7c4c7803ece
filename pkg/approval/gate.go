// Package approval is the human decision point. A request in
// PendingApproval changes only when a decision names it.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/store/items"
)

// ErrInvalidOutcome is returned for a decision that is neither approved nor rejected.
var ErrInvalidOutcome = errors.New("decision outcome must be approved or rejected")

// Decision is the external signal resolving a request.
type Decision struct {
	RequestID string                   `json:"request_id"`
	Outcome   contracts.ApprovalStatus `json:"outcome"`
	Reason    string                   `json:"reason,omitempty"`
	DecidedBy string                   `json:"decided_by,omitempty"`
}

// Gate resolves approval requests stored on items.
type Gate struct {
	store  items.Store
	audit  audit.Recorder
	clock  func() time.Time
	logger *slog.Logger
}

// NewGate creates a gate over store.
func NewGate(store items.Store, recorder audit.Recorder) *Gate {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Gate{
		store:  store,
		audit:  recorder,
		clock:  time.Now,
		logger: slog.Default().With("component", "approval"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Pending lists the requests awaiting a decision, most urgent first.
func (g *Gate) Pending(ctx context.Context) ([]contracts.ApprovalRequest, error) {
	refs, err := g.store.List(ctx, contracts.BucketPendingApproval)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]contracts.ApprovalRequest, 0, len(refs))
	for _, ref := range refs {
		item, err := g.store.Read(ctx, ref.ID)
		if err != nil {
			if errors.Is(err, contracts.ErrNotFound) {
				continue
			}
			g.logger.WarnContext(ctx, "cannot read pending item", "action_id", ref.ID, "error", err)
			continue
		}
		if item.Status != contracts.BucketPendingApproval || item.Approval == nil {
			continue
		}
		out = append(out, *item.Approval.Clone())
	}
	return out, nil
}

// Get returns the request for an action id, whatever its status.
func (g *Gate) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	item, err := g.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Approval == nil {
		return nil, fmt.Errorf("%w: no approval request for %s", contracts.ErrNotFound, id)
	}
	return item.Approval.Clone(), nil
}

// Decide applies d. Unknown or already resolved requests return
// ErrStaleDecision and change nothing, so repeating a signal is harmless.
func (g *Gate) Decide(ctx context.Context, d Decision) (*contracts.ApprovalRequest, error) {
	if d.Outcome != contracts.ApprovalApproved && d.Outcome != contracts.ApprovalRejected {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, d.Outcome)
	}
	item, err := g.store.Read(ctx, d.RequestID)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return nil, g.stale(ctx, d, "unknown request")
		}
		return nil, err
	}
	if item.Status != contracts.BucketPendingApproval {
		return nil, g.stale(ctx, d, "item is in "+string(item.Status))
	}
	if item.Approval == nil {
		g.logger.WarnContext(ctx, "pending item has no approval request", "action_id", item.ID)
		g.audit.Record(ctx, audit.Entry{
			ActionID:  item.ID,
			EventType: audit.EventUnknownReference,
			Outcome:   string(d.Outcome),
			Level:     audit.LevelWarn,
			Inputs:    map[string]any{"decided_by": d.DecidedBy},
		})
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownReference, item.ID)
	}
	if item.Approval.Status != contracts.ApprovalPending {
		return nil, g.stale(ctx, d, "request is "+string(item.Approval.Status))
	}

	now := g.clock().UTC()
	req := item.Approval.Clone()
	req.Status = d.Outcome
	req.DecidedAt = &now
	req.DecidedBy = d.DecidedBy
	req.Reason = d.Reason

	to := contracts.BucketApproved
	patch := contracts.Patch{Approval: req}
	if d.Outcome == contracts.ApprovalRejected {
		to = contracts.BucketRejected
		patch.ProcessedAt = &now
		if d.Reason != "" {
			patch.Metadata = map[string]any{"rejection_reason": d.Reason}
		}
	}
	if _, err := g.store.Transition(ctx, item.ID, contracts.BucketPendingApproval, to, patch); err != nil {
		if errors.Is(err, contracts.ErrConflict) {
			return nil, g.stale(ctx, d, "resolved concurrently")
		}
		return nil, fmt.Errorf("apply decision: %w", err)
	}

	g.audit.Record(ctx, audit.Entry{
		ActionID:  item.ID,
		EventType: audit.EventDecision,
		Outcome:   string(d.Outcome),
		Inputs: map[string]any{
			"decided_by": d.DecidedBy,
			"reason":     d.Reason,
			"risk_level": string(req.RiskLevel),
		},
	})
	g.logger.InfoContext(ctx, "approval decided", "action_id", item.ID, "outcome", d.Outcome, "decided_by", d.DecidedBy)
	return req, nil
}

func (g *Gate) stale(ctx context.Context, d Decision, why string) error {
	g.audit.Record(ctx, audit.Entry{
		ActionID:  d.RequestID,
		EventType: audit.EventStaleDecision,
		Outcome:   "ignored",
		Inputs: map[string]any{
			"outcome":    string(d.Outcome),
			"decided_by": d.DecidedBy,
			"detail":     why,
		},
	})
	return fmt.Errorf("%w: %s: %s", contracts.ErrStaleDecision, d.RequestID, why)
}

// Abort cancels an approved item before it is claimed. Once the
// orchestrator has claimed it the abort is stale; a running call is never
// interrupted.
func (g *Gate) Abort(ctx context.Context, id, reason, by string) error {
	now := g.clock().UTC()
	meta := map[string]any{"abort_reason": reason, "aborted_by": by}
	_, err := g.store.Transition(ctx, id, contracts.BucketApproved, contracts.BucketRejected, contracts.Patch{
		ProcessedAt: &now,
		Metadata:    meta,
	})
	if err != nil {
		if errors.Is(err, contracts.ErrConflict) || errors.Is(err, contracts.ErrNotFound) {
			g.audit.Record(ctx, audit.Entry{
				ActionID:  id,
				EventType: audit.EventStaleDecision,
				Outcome:   "ignored",
				Inputs:    map[string]any{"outcome": "abort", "decided_by": by},
			})
			return fmt.Errorf("%w: %s cannot be aborted", contracts.ErrStaleDecision, id)
		}
		return err
	}
	g.audit.Record(ctx, audit.Entry{
		ActionID:  id,
		EventType: audit.EventAbort,
		Outcome:   string(contracts.BucketRejected),
		Inputs:    map[string]any{"reason": reason, "decided_by": by},
	})
	return nil
}
