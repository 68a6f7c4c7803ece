// Package archive is the content-addressed store that receives audit
// partitions before they are removed locally. Objects are never deleted.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for an unknown reference.
var ErrNotFound = errors.New("archive object not found")

// Store persists immutable objects addressed by their SHA-256 digest.
type Store interface {
	// Put stores data and returns its reference ("sha256:<hex>"). name is
	// kept as object metadata for operators; it does not affect the key.
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

func digest(data []byte) (ref, hexSum string) {
	sum := sha256.Sum256(data)
	hexSum = hex.EncodeToString(sum[:])
	return "sha256:" + hexSum, hexSum
}

// parseRef validates a reference and returns its hex digest.
func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid archive ref: %s", ref)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid archive ref length: %s", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid archive ref hex: %w", err)
	}
	return raw, nil
}

// FileStore keeps objects under <dir>/<hex>.blob with a sidecar
// <hex>.name holding the original name.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Put implements Store. Writing the same content twice is a no-op.
func (s *FileStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, hexSum := digest(data)
	path := filepath.Join(s.dir, hexSum+".blob")
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit archive object: %w", err)
	}
	if name != "" {
		_ = os.WriteFile(filepath.Join(s.dir, hexSum+".name"), []byte(name), 0o640)
	}
	return ref, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	_ = ctx
	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, raw+".blob")) //nolint:gosec // ref validated as hex
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("read archive object: %w", err)
	}
	return data, nil
}

// Exists implements Store.
func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	_ = ctx
	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.dir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat archive object: %w", err)
}
