// Package dedup is the admission filter in front of the item store. Admit
// is an atomic check-and-insert per (source, fingerprint).
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Verdict is the outcome of Admit.
type Verdict string

const (
	Accepted  Verdict = "accepted"
	Duplicate Verdict = "duplicate"
)

// Store remembers every (source, fingerprint) pair it has admitted.
// Forget drops a record whose admission could not be completed downstream;
// forgetting an unknown pair is not an error.
type Store interface {
	Admit(ctx context.Context, source, fingerprint string) (Verdict, error)
	Forget(ctx context.Context, source, fingerprint string) error
}

// Fingerprint hashes content for adapters that have no stable id of their
// own. Text is NFC-normalized first so equivalent encodings collide.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(norm.NFC.Bytes(content))
	return hex.EncodeToString(sum[:])
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time), clock: time.Now}
}

// Admit implements Store.
func (s *MemoryStore) Admit(ctx context.Context, source, fingerprint string) (Verdict, error) {
	_ = ctx
	key := source + "\x00" + fingerprint
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return Duplicate, nil
	}
	s.seen[key] = s.clock()
	return Accepted, nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(ctx context.Context, source, fingerprint string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.seen, source+"\x00"+fingerprint)
	s.mu.Unlock()
	return nil
}

// FailClosed wraps a Store so a backend failure admits the item instead of
// dropping it. The item store's content-derived ids catch the duplicates
// this lets through.
type FailClosed struct {
	next   Store
	logger *slog.Logger
}

// NewFailClosed wraps next.
func NewFailClosed(next Store) *FailClosed {
	return &FailClosed{next: next, logger: slog.Default().With("component", "dedup")}
}

// Admit implements Store and never returns an error.
func (f *FailClosed) Admit(ctx context.Context, source, fingerprint string) (Verdict, error) {
	v, err := f.next.Admit(ctx, source, fingerprint)
	if err != nil {
		f.logger.WarnContext(ctx, "dedup store unavailable, admitting item",
			"source", source,
			"fingerprint", fingerprint,
			"error", err,
		)
		return Accepted, nil
	}
	return v, nil
}

// Forget implements Store.
func (f *FailClosed) Forget(ctx context.Context, source, fingerprint string) error {
	return f.next.Forget(ctx, source, fingerprint)
}
