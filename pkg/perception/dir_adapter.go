package perception

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Mindburn-Labs/steward/pkg/dedup"
)

const (
	processedDir = ".processed"
	rejectedDir  = ".rejected"
)

// DirAdapter turns *.json files dropped into a directory into candidates.
// Writers should create the file under another name and rename it in.
// Each file's fingerprint is its content hash; after emission the file is
// moved to .processed, and files that do not parse go to .rejected.
type DirAdapter struct {
	name   string
	dir    string
	rescan time.Duration
	logger *slog.Logger
}

// NewDirAdapter watches dir. Emitted candidates use name as their source.
func NewDirAdapter(name, dir string, rescan time.Duration) *DirAdapter {
	if rescan <= 0 {
		rescan = 30 * time.Second
	}
	return &DirAdapter{
		name:   name,
		dir:    dir,
		rescan: rescan,
		logger: slog.Default().With("component", "perception.dir", "adapter", name),
	}
}

func (a *DirAdapter) Name() string { return a.name }

// Run scans once, then reacts to file events and rescans periodically in
// case an event was missed. Every scan or event is a heartbeat.
func (a *DirAdapter) Run(ctx context.Context, h Handle) error {
	for _, d := range []string{a.dir, filepath.Join(a.dir, processedDir), filepath.Join(a.dir, rejectedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize filesystem watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(a.dir); err != nil {
		return fmt.Errorf("watch %s: %w", a.dir, err)
	}

	if err := a.scan(ctx, h); err != nil {
		return err
	}
	ticker := time.NewTicker(a.rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			h.Beat()
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(ev.Name) != filepath.Clean(a.dir) || !candidateFile(filepath.Base(ev.Name)) {
				continue
			}
			if err := a.ingest(ctx, h, ev.Name); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			return fmt.Errorf("watcher: %w", err)
		case <-ticker.C:
			if err := a.scan(ctx, h); err != nil {
				return err
			}
		}
	}
}

func candidateFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (a *DirAdapter) scan(ctx context.Context, h Handle) error {
	h.Beat()
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", a.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, de := range entries {
		if !de.IsDir() && candidateFile(de.Name()) {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		if err := a.ingest(ctx, h, filepath.Join(a.dir, n)); err != nil {
			return err
		}
	}
	return nil
}

// ingest emits one file. Only an emit failure is returned; the file then
// stays for the next scan.
func (a *DirAdapter) ingest(ctx context.Context, h Handle, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // files inside the watched directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		a.logger.WarnContext(ctx, "cannot read dropped file", "path", path, "error", err)
		return nil
	}
	var c Candidate
	if err := json.Unmarshal(data, &c); err != nil {
		a.logger.WarnContext(ctx, "rejecting unparseable file", "path", path, "error", err)
		a.move(path, rejectedDir)
		return nil
	}
	// The file may carry its own fingerprint; the source is always the adapter.
	c.Source = a.name
	if c.Fingerprint == "" {
		c.Fingerprint = dedup.Fingerprint(data)
	}
	if c.PayloadRef == "" {
		c.PayloadRef = "file://" + filepath.Join(a.dir, processedDir, filepath.Base(path))
	}

	adm, err := h.Emit(ctx, c)
	if err != nil {
		return fmt.Errorf("emit %s: %w", filepath.Base(path), err)
	}
	a.logger.DebugContext(ctx, "file emitted", "path", path, "action_id", adm.ItemID, "verdict", adm.Verdict)
	a.move(path, processedDir)
	return nil
}

func (a *DirAdapter) move(path, sub string) {
	dst := filepath.Join(a.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("failed to move dropped file", "from", path, "to", dst, "error", err)
	}
}
