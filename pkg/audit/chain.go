package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Genesis is the prev_hash of the first entry ever written.
const Genesis = "genesis"

var (
	ErrChainBroken        = errors.New("hash chain is broken")
	ErrRetentionTooShort  = errors.New("retention horizon below minimum")
	ErrArchiveUnavailable = errors.New("archive store not configured")
)

// hashEntry computes the chain hash of e, ignoring any hash already set.
func hashEntry(e *Entry) (string, error) {
	c := *e
	c.Hash = ""
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	return hashJSON(raw)
}

// hashLine computes the chain hash of a persisted JSONL line.
func hashLine(line []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("decode entry: %w", err)
	}
	delete(generic, "hash")
	raw, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	return hashJSON(raw)
}

func hashJSON(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// chain links entries as they are appended.
type chain struct {
	seq  uint64
	head string
}

func newChain() chain {
	return chain{head: Genesis}
}

// link assigns seq, prev_hash and hash to e without advancing the chain.
func (c *chain) link(e *Entry) error {
	e.Seq = c.seq + 1
	e.PrevHash = c.head
	h, err := hashEntry(e)
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// advance moves the chain head to e once e is durable.
func (c *chain) advance(e *Entry) {
	c.seq = e.Seq
	c.head = e.Hash
}
