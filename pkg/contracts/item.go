package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ItemRef addresses an item in the store.
type ItemRef struct {
	ID     string `json:"id"`
	Bucket Bucket `json:"bucket"`
}

// ActionItem is a unit of work tracked through the lifecycle buckets. Status
// always equals the bucket that holds the item.
type ActionItem struct {
	ID            string           `json:"id"`
	SourceType    string           `json:"source_type"`
	ReceivedAt    time.Time        `json:"received_at"`
	Priority      int              `json:"priority"`
	Status        Bucket           `json:"status"`
	PayloadRef    string           `json:"payload_ref,omitempty"`
	ActionType    string           `json:"action_type"`
	Plan          *ExecutionPlan   `json:"plan,omitempty"`
	Approval      *ApprovalRequest `json:"approval,omitempty"`
	Attempts      int              `json:"attempts"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
	ClaimedAt     *time.Time       `json:"claimed_at,omitempty"`
	ProcessedAt   *time.Time       `json:"processed_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	Version       int64            `json:"version"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// Ref returns the item's current address.
func (i *ActionItem) Ref() ItemRef {
	return ItemRef{ID: i.ID, Bucket: i.Status}
}

// ItemID derives the stable content identity of an item from its source
// and the adapter-supplied fingerprint.
func ItemID(source, fingerprint string) string {
	h := sha256.New()
	h.Write([]byte(norm.NFC.String(source)))
	h.Write([]byte{0})
	h.Write([]byte(norm.NFC.String(fingerprint)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Validate reports the first required field that is missing. The returned
// error wraps ErrMalformedItem.
func (i *ActionItem) Validate() error {
	switch {
	case i.ID == "":
		return fmt.Errorf("%w: id is required", ErrMalformedItem)
	case i.SourceType == "":
		return fmt.Errorf("%w: source_type is required", ErrMalformedItem)
	case i.ReceivedAt.IsZero():
		return fmt.Errorf("%w: received_at is required", ErrMalformedItem)
	case i.ActionType == "":
		return fmt.Errorf("%w: action_type is required", ErrMalformedItem)
	case !i.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrMalformedItem, i.Status)
	}
	return i.Plan.Validate()
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (i *ActionItem) Clone() ActionItem {
	c := *i
	c.Plan = i.Plan.Clone()
	c.Approval = i.Approval.Clone()
	c.NextAttemptAt = cloneTime(i.NextAttemptAt)
	c.ClaimedAt = cloneTime(i.ClaimedAt)
	c.ProcessedAt = cloneTime(i.ProcessedAt)
	c.Metadata = cloneMap(i.Metadata)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Patch is the metadata change applied together with a bucket move. Nil
// fields are left as they are.
type Patch struct {
	// IfVersion, when non-zero, makes the move a compare-and-swap: it fails
	// with ErrConflict unless the item is still at this version.
	IfVersion int64

	Attempts         *int
	NextAttemptAt    *time.Time
	ClearNextAttempt bool
	ClaimedAt        *time.Time
	ClearClaim       bool
	ProcessedAt      *time.Time
	LastError        *string
	Approval         *ApprovalRequest
	// Plan may only be attached to an item that has none.
	Plan *ExecutionPlan
	// Metadata keys are merged into the item's metadata; a nil value deletes the key.
	Metadata map[string]any
}

// Apply writes the patch into item.
func (p Patch) Apply(item *ActionItem) error {
	if p.Plan != nil {
		if item.Plan != nil {
			return ErrImmutablePlan
		}
		item.Plan = p.Plan.Clone()
	}
	if p.Attempts != nil {
		item.Attempts = *p.Attempts
	}
	if p.ClearNextAttempt {
		item.NextAttemptAt = nil
	}
	if p.NextAttemptAt != nil {
		item.NextAttemptAt = cloneTime(p.NextAttemptAt)
	}
	if p.ClearClaim {
		item.ClaimedAt = nil
	}
	if p.ClaimedAt != nil {
		item.ClaimedAt = cloneTime(p.ClaimedAt)
	}
	if p.ProcessedAt != nil {
		item.ProcessedAt = cloneTime(p.ProcessedAt)
	}
	if p.LastError != nil {
		item.LastError = *p.LastError
	}
	if p.Approval != nil {
		item.Approval = p.Approval.Clone()
	}
	if len(p.Metadata) > 0 {
		if item.Metadata == nil {
			item.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			if v == nil {
				delete(item.Metadata, k)
				continue
			}
			item.Metadata[k] = cloneValue(v)
		}
	}
	return nil
}

// ApplyTransition moves item from one bucket to another with the patch
// applied. It is the single rule every item store backend enforces: the
// edge must be legal, the item must currently sit in from (at
// patch.IfVersion when set), and the version counter advances by one.
func ApplyTransition(item *ActionItem, from, to Bucket, patch Patch) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if item.Status != from {
		return fmt.Errorf("%w: item %s is in %s, not %s", ErrConflict, item.ID, item.Status, from)
	}
	if patch.IfVersion != 0 && item.Version != patch.IfVersion {
		return fmt.Errorf("%w: item %s is at version %d, not %d", ErrConflict, item.ID, item.Version, patch.IfVersion)
	}
	if err := patch.Apply(item); err != nil {
		return err
	}
	item.Status = to
	item.Version++
	return nil
}

// Int returns a pointer to v, for building patches.
func Int(v int) *int { return &v }

// String returns a pointer to v, for building patches.
func String(v string) *string { return &v }

// Time returns a pointer to v, for building patches.
func Time(v time.Time) *time.Time { return &v }
