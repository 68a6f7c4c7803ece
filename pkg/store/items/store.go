// Package items is the durable record of action items. Each item lives in
// exactly one bucket; Transition is the only way it moves and the only
// synchronization point the lifecycle relies on.
package items

import (
	"context"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Store is implemented by every backend.
type Store interface {
	// Create admits a new item into Incoming. It fails with
	// contracts.ErrDuplicateItem when the id exists in any bucket.
	Create(ctx context.Context, item contracts.ActionItem) (contracts.ItemRef, error)
	// Transition atomically moves an item from one bucket to another with
	// the patch applied. It fails with contracts.ErrConflict unless the
	// item is in from at the moment of the move.
	Transition(ctx context.Context, id string, from, to contracts.Bucket, patch contracts.Patch) (contracts.ActionItem, error)
	// List returns the items in a bucket, most urgent first.
	List(ctx context.Context, bucket contracts.Bucket) ([]contracts.ItemRef, error)
	// Read returns the current item. contracts.ErrNotFound if unknown.
	Read(ctx context.Context, id string) (contracts.ActionItem, error)
	// Counts returns the number of items per bucket.
	Counts(ctx context.Context) (map[contracts.Bucket]int, error)
}

// prepareCreate normalizes a new item. Only the id is required here:
// incomplete items are admitted so triage can flag them.
func prepareCreate(item contracts.ActionItem) (contracts.ActionItem, error) {
	if item.ID == "" {
		return item, fmt.Errorf("%w: id is required", contracts.ErrMalformedItem)
	}
	c := item.Clone()
	c.Status = contracts.BucketIncoming
	c.Version = 1
	return c, nil
}

func checkBucket(b contracts.Bucket) error {
	if !b.Valid() {
		return fmt.Errorf("unknown bucket %q", b)
	}
	return nil
}

// sortRefs orders by priority then arrival. Order is advisory only.
func sortRefs(items []contracts.ActionItem) []contracts.ItemRef {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		if !items[i].ReceivedAt.Equal(items[j].ReceivedAt) {
			return items[i].ReceivedAt.Before(items[j].ReceivedAt)
		}
		return items[i].ID < items[j].ID
	})
	refs := make([]contracts.ItemRef, len(items))
	for i := range items {
		refs[i] = items[i].Ref()
	}
	return refs
}

func emptyCounts() map[contracts.Bucket]int {
	out := make(map[contracts.Bucket]int, len(contracts.Buckets))
	for _, b := range contracts.Buckets {
		out[b] = 0
	}
	return out
}
