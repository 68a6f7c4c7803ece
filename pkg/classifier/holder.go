package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current RuleSet. A reload swaps the whole set, so an
// in-flight classification keeps the rules it started with.
type Holder struct {
	rules  atomic.Pointer[RuleSet]
	logger *slog.Logger
}

// NewHolder starts with rules, which must not be nil.
func NewHolder(rules *RuleSet) *Holder {
	h := &Holder{logger: slog.Default().With("component", "classifier.rules")}
	h.rules.Store(rules)
	return h
}

// Current returns the active rules.
func (h *Holder) Current() *RuleSet {
	return h.rules.Load()
}

// Replace installs rules.
func (h *Holder) Replace(rules *RuleSet) error {
	if rules == nil {
		return errors.New("rules must not be nil")
	}
	h.rules.Store(rules)
	return nil
}

// Reload parses path and installs the result. On error the previous rules
// stay active.
func (h *Holder) Reload(path string) error {
	rs, err := LoadFile(path)
	if err != nil {
		return err
	}
	return h.Replace(rs)
}

// Watch reloads path whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are seen.
func (h *Holder) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize rules watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch rules directory: %w", err)
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := h.Reload(path); err != nil {
				h.logger.ErrorContext(ctx, "rules reload failed, keeping previous rules", "path", path, "error", err)
				continue
			}
			h.logger.InfoContext(ctx, "rules reloaded", "path", path, "schema_version", h.Current().Version.String())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			h.logger.WarnContext(ctx, "rules watcher error", "error", err)
		}
	}
}
