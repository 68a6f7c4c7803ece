package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Report summarizes a successful verification.
type Report struct {
	Partitions int    `json:"partitions"`
	Entries    int    `json:"entries"`
	Archived   int    `json:"archived_partitions"`
	Head       string `json:"head"`
	LastSeq    uint64 `json:"last_seq"`
}

type verifier struct {
	prev string
	seq  uint64
}

func newVerifier(prev string, seq uint64) *verifier {
	return &verifier{prev: prev, seq: seq}
}

func (v *verifier) entry(e *Entry) error {
	if e.PrevHash != v.prev {
		return fmt.Errorf("%w: seq %d has prev_hash %s, expected %s", ErrChainBroken, e.Seq, e.PrevHash, v.prev)
	}
	if e.Seq != v.seq+1 {
		return fmt.Errorf("%w: seq %d follows %d", ErrChainBroken, e.Seq, v.seq)
	}
	computed, err := hashEntry(e)
	if err != nil {
		return fmt.Errorf("%w: seq %d: %w", ErrChainBroken, e.Seq, err)
	}
	if computed != e.Hash {
		return fmt.Errorf("%w: seq %d hash mismatch (computed %s, stored %s)", ErrChainBroken, e.Seq, computed, e.Hash)
	}
	v.prev, v.seq = e.Hash, e.Seq
	return nil
}

func (v *verifier) line(raw []byte) error {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("%w: unreadable entry after seq %d: %w", ErrChainBroken, v.seq, err)
	}
	if e.PrevHash != v.prev {
		return fmt.Errorf("%w: seq %d has prev_hash %s, expected %s", ErrChainBroken, e.Seq, e.PrevHash, v.prev)
	}
	if e.Seq != v.seq+1 {
		return fmt.Errorf("%w: seq %d follows %d", ErrChainBroken, e.Seq, v.seq)
	}
	computed, err := hashLine(raw)
	if err != nil {
		return fmt.Errorf("%w: seq %d: %w", ErrChainBroken, e.Seq, err)
	}
	if computed != e.Hash {
		return fmt.Errorf("%w: seq %d hash mismatch (computed %s, stored %s)", ErrChainBroken, e.Seq, computed, e.Hash)
	}
	v.prev, v.seq = e.Hash, e.Seq
	return nil
}

// Verify recomputes the hash chain across every local partition in dir.
// Archived partitions are trusted through the manifest: the chain resumes
// from the last archived hash.
func Verify(dir string) (Report, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return Report{}, err
	}
	v := newVerifier(Genesis, 0)
	archived := make(map[string]bool, len(manifest))
	for _, m := range manifest {
		if m.FirstSeq != v.seq+1 {
			return Report{}, fmt.Errorf("%w: archived partition %s starts at seq %d, expected %d", ErrChainBroken, m.Partition, m.FirstSeq, v.seq+1)
		}
		v.prev, v.seq = m.LastHash, m.LastSeq
		archived[m.Partition] = true
	}

	parts, err := listPartitions(dir)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Archived: len(manifest)}
	for _, day := range parts {
		if archived[day] {
			// Archived but not yet removed locally.
			continue
		}
		n, err := verifyPartition(filepath.Join(dir, day+partitionSuffix), v)
		if err != nil {
			return rep, fmt.Errorf("partition %s: %w", day, err)
		}
		rep.Partitions++
		rep.Entries += n
	}
	rep.Head, rep.LastSeq = v.prev, v.seq
	return rep, nil
}

func verifyPartition(path string, v *verifier) (int, error) {
	f, err := os.Open(path) //nolint:gosec // path from listPartitions
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := v.line(raw); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read: %w", err)
	}
	return n, nil
}
