package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// MinRetention is the shortest horizon compaction accepts. Anything newer
// stays local for compliance review.
const MinRetention = 30 * 24 * time.Hour

// Archiver stores compacted partitions. pkg/archive stores satisfy it.
type Archiver interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// ManifestEntry records one archived partition in ARCHIVE.jsonl. It holds
// the chain head at the end of the partition so verification can resume.
type ManifestEntry struct {
	ID         string    `json:"id"`
	Partition  string    `json:"partition"`
	ArchiveRef string    `json:"archive_ref"`
	SHA256     string    `json:"sha256"`
	Entries    int       `json:"entries"`
	FirstSeq   uint64    `json:"first_seq"`
	LastSeq    uint64    `json:"last_seq"`
	LastHash   string    `json:"last_hash"`
	ArchivedAt time.Time `json:"archived_at"`
}

// CompactResult lists what a compaction run did.
type CompactResult struct {
	Archived []ManifestEntry `json:"archived"`
	Removed  []string        `json:"removed"`
}

// Compact archives and then removes every partition that lies entirely
// before now-horizon. A partition is removed only after it is in the
// archive and in the manifest; today's partition is never touched.
func Compact(ctx context.Context, dir string, store Archiver, horizon time.Duration, now time.Time) (CompactResult, error) {
	var res CompactResult
	if horizon < MinRetention {
		return res, fmt.Errorf("%w: %s < %s", ErrRetentionTooShort, horizon, MinRetention)
	}
	if store == nil {
		return res, ErrArchiveUnavailable
	}

	manifest, err := readManifest(dir)
	if err != nil {
		return res, err
	}
	done := make(map[string]ManifestEntry, len(manifest))
	var prev ManifestEntry
	for _, m := range manifest {
		done[m.Partition] = m
		prev = m
	}

	parts, err := listPartitions(dir)
	if err != nil {
		return res, err
	}
	today := now.UTC().Format(partitionLayout)
	cutoff := now.UTC().Add(-horizon)

	for _, day := range parts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start, _ := time.Parse(partitionLayout, day)
		if day >= today || start.Add(24*time.Hour).After(cutoff) {
			break
		}
		path := filepath.Join(dir, day+partitionSuffix)
		data, err := os.ReadFile(path) //nolint:gosec // path from listPartitions
		if err != nil {
			return res, fmt.Errorf("read partition %s: %w", day, err)
		}
		sum := sha256.Sum256(data)
		digest := "sha256:" + hex.EncodeToString(sum[:])

		if m, ok := done[day]; ok {
			// Archived by an earlier run that stopped before removal.
			if m.SHA256 != digest {
				return res, fmt.Errorf("%w: partition %s changed after archival", ErrChainBroken, day)
			}
		} else {
			m, err := summarize(data, prev)
			if err != nil {
				return res, fmt.Errorf("partition %s: %w", day, err)
			}
			ref, err := store.Put(ctx, "audit/"+day+partitionSuffix, data)
			if err != nil {
				return res, fmt.Errorf("archive partition %s: %w", day, err)
			}
			m.ID = uuid.New().String()
			m.Partition = day
			m.ArchiveRef = ref
			m.SHA256 = digest
			m.ArchivedAt = now.UTC()
			if err := appendManifest(dir, m); err != nil {
				return res, err
			}
			res.Archived = append(res.Archived, m)
			prev = m
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("remove partition %s: %w", day, err)
		}
		res.Removed = append(res.Removed, day)
	}
	return res, nil
}

// summarize verifies a partition against the previous archived head and
// returns its seq range.
func summarize(data []byte, prev ManifestEntry) (ManifestEntry, error) {
	head := prev.LastHash
	if head == "" {
		head = Genesis
	}
	v := newVerifier(head, prev.LastSeq)
	var m ManifestEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := v.line(raw); err != nil {
			return m, err
		}
		if m.Entries == 0 {
			m.FirstSeq = v.seq
		}
		m.Entries++
	}
	if err := scanner.Err(); err != nil {
		return m, err
	}
	if m.Entries == 0 {
		m.FirstSeq = v.seq + 1
	}
	m.LastSeq, m.LastHash = v.seq, v.prev
	return m, nil
}

func readManifest(dir string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName)) //nolint:gosec // fixed name
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive manifest: %w", err)
	}
	var out []ManifestEntry
	for _, raw := range bytes.Split(data, []byte("\n")) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var m ManifestEntry
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: unreadable archive manifest: %w", ErrChainBroken, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func lastManifest(dir string) (ManifestEntry, bool, error) {
	all, err := readManifest(dir)
	if err != nil || len(all) == 0 {
		return ManifestEntry{}, false, err
	}
	return all[len(all)-1], true, nil
}

func appendManifest(dir string, m ManifestEntry) error {
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, manifestName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // fixed name
	if err != nil {
		return fmt.Errorf("open archive manifest: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write archive manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync archive manifest: %w", err)
	}
	return f.Close()
}
