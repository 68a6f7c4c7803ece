package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/retry"
)

// RecoveryResult counts what Recover did.
type RecoveryResult struct {
	Recovered int `json:"recovered"`
	Abandoned int `json:"abandoned"`
}

// Recover returns abandoned Executing items to Approved. A claim is
// abandoned once it is older than the liveness threshold plus the plan's
// timeout, or when it carries no claim time at all. Items whose attempts
// are already used up go to Failed instead. A claim renewed after the read
// is left alone.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryResult, error) {
	return o.recover(ctx)
}

func (o *Orchestrator) recover(ctx context.Context) (RecoveryResult, error) {
	var res RecoveryResult
	refs, err := o.store.List(ctx, contracts.BucketExecuting)
	if err != nil {
		return res, fmt.Errorf("list executing: %w", err)
	}
	for _, ref := range refs {
		if o.isInflight(ref.ID) {
			continue
		}
		item, err := o.store.Read(ctx, ref.ID)
		if err != nil {
			if !errors.Is(err, contracts.ErrNotFound) {
				o.logger.WarnContext(ctx, "cannot read executing item", "action_id", ref.ID, "error", err)
			}
			continue
		}
		now := o.clock()
		timeout := item.Plan.Timeout(o.cfg.DefaultTimeout)
		if item.ClaimedAt != nil && now.Sub(*item.ClaimedAt) <= o.cfg.LivenessThreshold+timeout {
			continue
		}

		var claimedAt any
		if item.ClaimedAt != nil {
			claimedAt = item.ClaimedAt.UTC().Format(time.RFC3339Nano)
		}
		inputs := map[string]any{"attempts": item.Attempts, "claimed_at": claimedAt}

		var rp contracts.RetryPolicy
		if item.Plan != nil {
			rp = item.Plan.RetryPolicy
		}
		if retry.Resolve(rp, o.cfg.Retry).Exhausted(item.Attempts) {
			msg := fmt.Sprintf("abandoned after %d attempts: no result recorded", item.Attempts)
			_, err := o.store.Transition(ctx, item.ID, contracts.BucketExecuting, contracts.BucketFailed, contracts.Patch{
				IfVersion:   item.Version,
				ClearClaim:  true,
				ProcessedAt: contracts.Time(now),
				LastError:   contracts.String(msg),
			})
			if err != nil {
				if errors.Is(err, contracts.ErrConflict) {
					continue
				}
				return res, fmt.Errorf("fail abandoned item %s: %w", item.ID, err)
			}
			res.Abandoned++
			o.audit.Record(ctx, audit.Entry{
				ActionID:  item.ID,
				EventType: audit.EventRecovered,
				Outcome:   string(contracts.BucketFailed),
				Level:     audit.LevelError,
				Inputs:    inputs,
				Error:     msg,
			})
			continue
		}

		_, err = o.store.Transition(ctx, item.ID, contracts.BucketExecuting, contracts.BucketApproved, contracts.Patch{
			IfVersion:        item.Version,
			ClearClaim:       true,
			ClearNextAttempt: true,
		})
		if err != nil {
			if errors.Is(err, contracts.ErrConflict) {
				continue
			}
			return res, fmt.Errorf("recover item %s: %w", item.ID, err)
		}
		res.Recovered++
		o.obs.RecordTransition(ctx, string(contracts.BucketExecuting), string(contracts.BucketApproved))
		o.logger.WarnContext(ctx, "recovered abandoned execution", "action_id", item.ID, "attempts", item.Attempts)
		o.audit.Record(ctx, audit.Entry{
			ActionID:  item.ID,
			EventType: audit.EventRecovered,
			Outcome:   string(contracts.BucketApproved),
			Level:     audit.LevelWarn,
			Inputs:    inputs,
		})
	}
	return res, nil
}
