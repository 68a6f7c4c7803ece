package items

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

const (
	fileSuffix = ".json"
	tmpDir     = ".tmp"
	idsDir     = ".ids"
)

var nameEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "/", "%2F", `\`, "%5C")

// FileStore keeps each item as <root>/<Bucket>/<id>.json. The directory
// holding a file is the item's bucket; a move is os.Rename between bucket
// directories, which fails for every caller but the first.
//
// Within a process transitions are serialized. Across processes the rename
// is the claim, and the content rewrite follows it.
type FileStore struct {
	root   string
	mu     sync.Mutex
	logger *slog.Logger
}

// OpenFileStore creates the bucket directories and repairs what a crash
// may have left behind: temp files, id markers without an item, and items
// whose recorded status disagrees with their directory.
func OpenFileStore(root string) (*FileStore, error) {
	s := &FileStore{root: root, logger: slog.Default().With("component", "items.file")}
	for _, b := range contracts.Buckets {
		if err := os.MkdirAll(filepath.Join(root, string(b)), 0o750); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", b, err)
		}
	}
	for _, d := range []string{tmpDir, idsDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	if err := s.reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

func fileName(id string) string {
	return nameEscaper.Replace(id) + fileSuffix
}

func idFromFile(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, fileSuffix)
	if !ok {
		return "", false
	}
	id, err := url.PathUnescape(base)
	if err != nil {
		return "", false
	}
	return id, true
}

func (s *FileStore) path(b contracts.Bucket, id string) string {
	return filepath.Join(s.root, string(b), fileName(id))
}

// locate returns the bucket currently holding id.
func (s *FileStore) locate(id string) (contracts.Bucket, bool) {
	for _, b := range contracts.Buckets {
		if _, err := os.Stat(s.path(b, id)); err == nil {
			return b, true
		}
	}
	return "", false
}

func (s *FileStore) Create(ctx context.Context, item contracts.ActionItem) (contracts.ItemRef, error) {
	_ = ctx
	c, err := prepareCreate(item)
	if err != nil {
		return contracts.ItemRef{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.locate(c.ID); ok {
		return contracts.ItemRef{ID: c.ID, Bucket: b}, fmt.Errorf("%w: %s is in %s", contracts.ErrDuplicateItem, c.ID, b)
	}
	tmp, err := s.writeTemp(&c)
	if err != nil {
		return contracts.ItemRef{}, err
	}
	// The marker is created exclusively so two processes cannot both admit the id.
	marker := filepath.Join(s.root, idsDir, fileName(c.ID))
	mf, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640) //nolint:gosec // escaped id
	if err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, os.ErrExist) {
			return contracts.ItemRef{ID: c.ID}, fmt.Errorf("%w: %s", contracts.ErrDuplicateItem, c.ID)
		}
		return contracts.ItemRef{}, fmt.Errorf("create id marker: %w", err)
	}
	_ = mf.Close()
	if err := os.Rename(tmp, s.path(contracts.BucketIncoming, c.ID)); err != nil {
		_ = os.Remove(tmp)
		_ = os.Remove(marker)
		return contracts.ItemRef{}, fmt.Errorf("commit item: %w", err)
	}
	return c.Ref(), nil
}

func (s *FileStore) Transition(ctx context.Context, id string, from, to contracts.Bucket, patch contracts.Patch) (contracts.ActionItem, error) {
	_ = ctx
	if !contracts.CanTransition(from, to) {
		return contracts.ActionItem{}, fmt.Errorf("%w: %s -> %s", contracts.ErrIllegalTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, dst := s.path(from, id), s.path(to, id)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, ok := s.locate(id); !ok {
				return contracts.ActionItem{}, fmt.Errorf("%w: %s", contracts.ErrNotFound, id)
			}
			return contracts.ActionItem{}, fmt.Errorf("%w: %s is not in %s", contracts.ErrConflict, id, from)
		}
		return contracts.ActionItem{}, fmt.Errorf("move item: %w", err)
	}

	// The item is ours now. Anything that fails from here puts it back.
	item, err := s.readFile(dst)
	if err != nil {
		s.rollback(dst, src)
		return contracts.ActionItem{}, err
	}
	item.ID = id
	item.Status = from
	if err := contracts.ApplyTransition(&item, from, to, patch); err != nil {
		s.rollback(dst, src)
		return contracts.ActionItem{}, err
	}
	if err := s.rewrite(dst, &item); err != nil {
		s.rollback(dst, src)
		return contracts.ActionItem{}, err
	}
	return item, nil
}

func (s *FileStore) rollback(dst, src string) {
	if err := os.Rename(dst, src); err != nil {
		s.logger.Error("failed to roll back item move", "from", dst, "to", src, "error", err)
	}
}

func (s *FileStore) List(ctx context.Context, bucket contracts.Bucket) ([]contracts.ItemRef, error) {
	_ = ctx
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, string(bucket)))
	if err != nil {
		return nil, fmt.Errorf("list bucket %s: %w", bucket, err)
	}
	var (
		found     []contracts.ActionItem
		malformed []contracts.ItemRef
	)
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		id, ok := idFromFile(de.Name())
		if !ok {
			continue
		}
		item, err := s.readFile(filepath.Join(s.root, string(bucket), de.Name()))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // moved while listing
			}
			// Unparseable files are still listed so triage can flag them.
			malformed = append(malformed, contracts.ItemRef{ID: id, Bucket: bucket})
			continue
		}
		item.ID = id
		item.Status = bucket
		found = append(found, item)
	}
	return append(sortRefs(found), malformed...), nil
}

func (s *FileStore) Read(ctx context.Context, id string) (contracts.ActionItem, error) {
	_ = ctx
	// A concurrent move can make one pass miss the file.
	for range 3 {
		for _, b := range contracts.Buckets {
			item, err := s.readFile(s.path(b, id))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return contracts.ActionItem{}, err
			}
			item.ID = id
			item.Status = b
			return item, nil
		}
	}
	return contracts.ActionItem{}, fmt.Errorf("%w: %s", contracts.ErrNotFound, id)
}

func (s *FileStore) Counts(ctx context.Context) (map[contracts.Bucket]int, error) {
	_ = ctx
	out := emptyCounts()
	for _, b := range contracts.Buckets {
		entries, err := os.ReadDir(filepath.Join(s.root, string(b)))
		if err != nil {
			return nil, fmt.Errorf("count bucket %s: %w", b, err)
		}
		for _, de := range entries {
			if !de.IsDir() && strings.HasSuffix(de.Name(), fileSuffix) {
				out[b]++
			}
		}
	}
	return out, nil
}

func (s *FileStore) readFile(path string) (contracts.ActionItem, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path built from escaped id
	if err != nil {
		return contracts.ActionItem{}, err
	}
	var item contracts.ActionItem
	if err := json.Unmarshal(data, &item); err != nil {
		return contracts.ActionItem{}, fmt.Errorf("%w: %s: %w", contracts.ErrMalformedItem, filepath.Base(path), err)
	}
	return item, nil
}

func (s *FileStore) writeTemp(item *contracts.ActionItem) (string, error) {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}
	f, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "item-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}

// rewrite replaces path atomically with the item's content.
func (s *FileStore) rewrite(path string, item *contracts.ActionItem) error {
	tmp, err := s.writeTemp(item)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit item: %w", err)
	}
	return nil
}

func (s *FileStore) reconcile() error {
	tmps, err := os.ReadDir(filepath.Join(s.root, tmpDir))
	if err != nil {
		return fmt.Errorf("read temp dir: %w", err)
	}
	for _, de := range tmps {
		_ = os.Remove(filepath.Join(s.root, tmpDir, de.Name()))
	}

	present := make(map[string]bool)
	for _, b := range contracts.Buckets {
		entries, err := os.ReadDir(filepath.Join(s.root, string(b)))
		if err != nil {
			return fmt.Errorf("read bucket %s: %w", b, err)
		}
		for _, de := range entries {
			id, ok := idFromFile(de.Name())
			if de.IsDir() || !ok {
				continue
			}
			present[fileName(id)] = true
			path := filepath.Join(s.root, string(b), de.Name())
			item, err := s.readFile(path)
			if err != nil {
				continue // left for triage to flag
			}
			if item.Status != b {
				// Crash between the move and the rewrite: the directory wins.
				s.logger.Warn("repairing item status after interrupted move",
					"id", id, "recorded", item.Status, "bucket", b)
				item.ID = id
				item.Status = b
				item.Version++
				if err := s.rewrite(path, &item); err != nil {
					return err
				}
			}
		}
	}

	markers, err := os.ReadDir(filepath.Join(s.root, idsDir))
	if err != nil {
		return fmt.Errorf("read id markers: %w", err)
	}
	for _, de := range markers {
		if !present[de.Name()] {
			_ = os.Remove(filepath.Join(s.root, idsDir, de.Name()))
		}
		delete(present, de.Name())
	}
	// Items dropped into a bucket by hand get a marker too.
	for name := range present {
		if f, err := os.OpenFile(filepath.Join(s.root, idsDir, name), os.O_CREATE|os.O_WRONLY, 0o640); err == nil { //nolint:gosec // escaped id
			_ = f.Close()
		}
	}
	return nil
}
