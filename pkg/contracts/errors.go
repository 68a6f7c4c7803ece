package contracts

import "errors"

var (
	// ErrNotFound is returned when no item has the requested id.
	ErrNotFound = errors.New("item not found")
	// ErrDuplicateItem is returned by Create when the id already exists in any bucket.
	ErrDuplicateItem = errors.New("duplicate item")
	// ErrConflict is returned when an item is not in the expected source bucket.
	ErrConflict = errors.New("transition conflict")
	// ErrIllegalTransition is returned for a move that is not a lifecycle edge.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrImmutablePlan is returned when a patch tries to replace an attached plan.
	ErrImmutablePlan = errors.New("execution plan is immutable")
	// ErrMalformedItem marks an item that is missing required fields.
	ErrMalformedItem = errors.New("malformed item")
	// ErrStaleDecision is returned for a decision on an unknown or already resolved request.
	ErrStaleDecision = errors.New("stale decision")
	// ErrUnknownReference marks an approval whose action item record is incomplete.
	ErrUnknownReference = errors.New("unknown reference")
)
