package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	partitionLayout = "2006-01-02"
	partitionSuffix = ".jsonl"
	manifestName    = "ARCHIVE.jsonl"
)

// FileSink appends entries to day-partitioned JSONL files:
// <dir>/YYYY-MM-DD.jsonl, one entry per line, UTC days.
type FileSink struct {
	mu    sync.Mutex
	dir   string
	chain chain
	day   string
	file  *os.File
}

// OpenFileSink opens dir, creating it if needed, and restores the chain
// head from the newest partition or, failing that, the archive manifest.
func OpenFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &FileSink{dir: dir, chain: newChain()}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) restore() error {
	if m, ok, err := lastManifest(s.dir); err != nil {
		return err
	} else if ok {
		s.chain = chain{seq: m.LastSeq, head: m.LastHash}
		s.day = m.Partition
	}

	parts, err := listPartitions(s.dir)
	if err != nil {
		return err
	}
	for i := len(parts) - 1; i >= 0; i-- {
		line, err := lastLine(filepath.Join(s.dir, parts[i]+partitionSuffix))
		if err != nil {
			return err
		}
		if line == nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("%w: unreadable tail of %s: %w", ErrChainBroken, parts[i], err)
		}
		s.chain = chain{seq: e.Seq, head: e.Hash}
		s.day = parts[i]
		return nil
	}
	return nil
}

// Append implements Sink.
func (s *FileSink) Append(ctx context.Context, e *Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	day := e.Timestamp.UTC().Format(partitionLayout)
	if day < s.day {
		// A clock step backwards must not reorder partitions.
		day = s.day
	}
	f, err := s.partition(day)
	if err != nil {
		return err
	}

	if err := s.chain.link(e); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit partition: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync audit partition: %w", err)
	}
	s.chain.advance(e)
	return nil
}

func (s *FileSink) partition(day string) (*os.File, error) {
	if s.file != nil && s.day == day {
		return s.file, nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, day+partitionSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path built from a date
	if err != nil {
		return nil, fmt.Errorf("open audit partition: %w", err)
	}
	s.file = f
	s.day = day
	return f, nil
}

// Head returns the current sequence number and chain hash.
func (s *FileSink) Head() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain.seq, s.chain.head
}

// Dir returns the partition directory.
func (s *FileSink) Dir() string { return s.dir }

// Close closes the open partition.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// listPartitions returns partition days in ascending order.
func listPartitions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	var days []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, partitionSuffix) || name == manifestName {
			continue
		}
		day := strings.TrimSuffix(name, partitionSuffix)
		if _, err := time.Parse(partitionLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// lastLine returns the final non-empty line of a file, or nil for an empty file.
func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // path from listPartitions
	if err != nil {
		return nil, fmt.Errorf("open audit partition: %w", err)
	}
	defer func() { _ = f.Close() }()

	var last []byte
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			last = append(last[:0], trimmed...)
		}
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read audit partition: %w", err)
		}
	}
}
