package items

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// MemoryStore keeps items in a mutex-guarded map. Nothing survives a
// restart; use it for tests and throwaway runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*contracts.ActionItem
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*contracts.ActionItem)}
}

func (s *MemoryStore) Create(ctx context.Context, item contracts.ActionItem) (contracts.ItemRef, error) {
	_ = ctx
	c, err := prepareCreate(item)
	if err != nil {
		return contracts.ItemRef{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[c.ID]; ok {
		return existing.Ref(), fmt.Errorf("%w: %s is in %s", contracts.ErrDuplicateItem, c.ID, existing.Status)
	}
	s.items[c.ID] = &c
	return c.Ref(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to contracts.Bucket, patch contracts.Patch) (contracts.ActionItem, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[id]
	if !ok {
		return contracts.ActionItem{}, fmt.Errorf("%w: %s", contracts.ErrNotFound, id)
	}
	next := cur.Clone()
	if err := contracts.ApplyTransition(&next, from, to, patch); err != nil {
		return contracts.ActionItem{}, err
	}
	s.items[id] = &next
	return next.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, bucket contracts.Bucket) ([]contracts.ItemRef, error) {
	_ = ctx
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var in []contracts.ActionItem
	for _, it := range s.items {
		if it.Status == bucket {
			in = append(in, *it)
		}
	}
	s.mu.RUnlock()
	return sortRefs(in), nil
}

func (s *MemoryStore) Read(ctx context.Context, id string) (contracts.ActionItem, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return contracts.ActionItem{}, fmt.Errorf("%w: %s", contracts.ErrNotFound, id)
	}
	return it.Clone(), nil
}

func (s *MemoryStore) Counts(ctx context.Context) (map[contracts.Bucket]int, error) {
	_ = ctx
	out := emptyCounts()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.items {
		out[it.Status]++
	}
	return out, nil
}
