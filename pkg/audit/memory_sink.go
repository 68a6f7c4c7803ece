package audit

import (
	"context"
	"sync"
)

// MemorySink keeps the chain in memory. Used by tests and the in-memory
// runtime.
type MemorySink struct {
	mu      sync.RWMutex
	chain   chain
	entries []Entry
	fail    error
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{chain: newChain()}
}

// Append implements Sink.
func (s *MemorySink) Append(ctx context.Context, e *Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if err := s.chain.link(e); err != nil {
		return err
	}
	s.chain.advance(e)
	s.entries = append(s.entries, *e)
	return nil
}

// FailWith makes every following Append return err. Pass nil to recover.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Entries returns a copy of everything appended so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// ByType returns the entries with the given event type.
func (s *MemorySink) ByType(eventType string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ByAction returns the entries recorded for one action item.
func (s *MemorySink) ByAction(actionID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.ActionID == actionID {
			out = append(out, e)
		}
	}
	return out
}

// VerifyChain recomputes every hash in order.
func (s *MemorySink) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := newVerifier(Genesis, 0)
	for i := range s.entries {
		if err := v.entry(&s.entries[i]); err != nil {
			return err
		}
	}
	return nil
}
