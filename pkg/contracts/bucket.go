// Package contracts defines the action lifecycle: the records that move
// between Item Store buckets and the legal edges between those buckets.
package contracts

// Bucket is a named partition of the Item Store. An item's bucket is its
// lifecycle state.
type Bucket string

const (
	BucketIncoming        Bucket = "Incoming"
	BucketTriaged         Bucket = "Triaged"
	BucketPendingApproval Bucket = "PendingApproval"
	BucketApproved        Bucket = "Approved"
	BucketRejected        Bucket = "Rejected"
	BucketExecuting       Bucket = "Executing"
	BucketDone            Bucket = "Done"
	BucketFailed          Bucket = "Failed"
)

// Buckets lists every bucket in lifecycle order.
var Buckets = []Bucket{
	BucketIncoming,
	BucketTriaged,
	BucketPendingApproval,
	BucketApproved,
	BucketRejected,
	BucketExecuting,
	BucketDone,
	BucketFailed,
}

// transitions is the full set of legal moves. Anything absent is illegal,
// so Done is only reachable from Executing and an item never leaves a
// terminal bucket.
var transitions = map[Bucket][]Bucket{
	BucketIncoming:        {BucketTriaged},
	BucketTriaged:         {BucketPendingApproval, BucketApproved},
	BucketPendingApproval: {BucketApproved, BucketRejected},
	BucketApproved:        {BucketExecuting, BucketRejected},
	BucketExecuting:       {BucketDone, BucketFailed, BucketApproved},
}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	for _, known := range Buckets {
		if b == known {
			return true
		}
	}
	return false
}

// Terminal reports whether b is an archival bucket.
func (b Bucket) Terminal() bool {
	return b == BucketRejected || b == BucketDone || b == BucketFailed
}

// CanTransition reports whether moving from one bucket to another is a legal edge.
func CanTransition(from, to Bucket) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
