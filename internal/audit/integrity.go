// Package audit keeps the bounded in-memory decision log and the optional
// HMAC chain that makes exported entries tamper-evident.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"sync"

	"github.com/agentsh/agentgate/pkg/types"
)

// IntegrityChain maintains HMAC chain state for tamper-evident audit logging.
// Each entry's hash depends on the previous entry, forming a verifiable chain.
type IntegrityChain struct {
	mu        sync.Mutex
	key       []byte
	algorithm string
	sequence  int64
	prevHash  string
}

// MinKeyLength is the minimum key length for HMAC-SHA256.
const MinKeyLength = 32

// ChainState represents the current state of the integrity chain for persistence.
type ChainState struct {
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash"`
}

// NewIntegrityChain creates a chain using hmac-sha256.
func NewIntegrityChain(key []byte) (*IntegrityChain, error) {
	return NewIntegrityChainWithAlgorithm(key, "hmac-sha256")
}

// NewIntegrityChainWithAlgorithm creates an integrity chain with a specific algorithm.
// Supported algorithms: "hmac-sha256", "hmac-sha512".
func NewIntegrityChainWithAlgorithm(key []byte, algorithm string) (*IntegrityChain, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("key too short: got %d bytes, need at least %d", len(key), MinKeyLength)
	}
	if algorithm == "" {
		algorithm = "hmac-sha256"
	}
	switch algorithm {
	case "hmac-sha256", "hmac-sha512":
	default:
		return nil, fmt.Errorf("unsupported algorithm %q: use hmac-sha256 or hmac-sha512", algorithm)
	}
	return &IntegrityChain{key: key, algorithm: algorithm}, nil
}

// Link stamps e with the next sequence number and its chained hash.
func (c *IntegrityChain) Link(e *types.AuditEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := canonical(*e)
	if err != nil {
		return err
	}
	seq := c.sequence + 1
	h := c.computeHash(seq, c.prevHash, payload)
	e.Integrity = &types.IntegrityMetadata{Sequence: seq, PrevHash: c.prevHash, EntryHash: h}
	c.sequence = seq
	c.prevHash = h
	return nil
}

// Verify checks that entries form an unbroken chain under this key. The first
// entry may start mid-chain, so exports of a pruned log still verify.
func (c *IntegrityChain) Verify(entries []types.AuditEntry) error {
	var prev string
	var prevSeq int64
	for i, e := range entries {
		if e.Integrity == nil {
			return fmt.Errorf("entry %d (%s): missing integrity metadata", i, e.ID)
		}
		if i > 0 {
			if e.Integrity.PrevHash != prev {
				return fmt.Errorf("entry %d (%s): prev_hash does not match previous entry", i, e.ID)
			}
			if e.Integrity.Sequence != prevSeq+1 {
				return fmt.Errorf("entry %d (%s): sequence %d follows %d", i, e.ID, e.Integrity.Sequence, prevSeq)
			}
		}
		payload, err := canonical(e)
		if err != nil {
			return err
		}
		want := c.computeHash(e.Integrity.Sequence, e.Integrity.PrevHash, payload)
		if !hmac.Equal([]byte(want), []byte(e.Integrity.EntryHash)) {
			return fmt.Errorf("entry %d (%s): hash mismatch", i, e.ID)
		}
		prev = e.Integrity.EntryHash
		prevSeq = e.Integrity.Sequence
	}
	return nil
}

// canonical is the JSON encoding of e without its integrity metadata.
func canonical(e types.AuditEntry) ([]byte, error) {
	e.Integrity = nil
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return b, nil
}

// State returns the current chain state for persistence.
func (c *IntegrityChain) State() ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainState{Sequence: c.sequence, PrevHash: c.prevHash}
}

// Restore continues a chain after a restart.
func (c *IntegrityChain) Restore(sequence int64, prevHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence = sequence
	c.prevHash = prevHash
}

// computeHash computes the HMAC of: sequence || prev_hash || payload
func (c *IntegrityChain) computeHash(sequence int64, prevHash string, payload []byte) string {
	var h hash.Hash
	switch c.algorithm {
	case "hmac-sha512":
		h = hmac.New(sha512.New, c.key)
	default:
		h = hmac.New(sha256.New, c.key)
	}

	h.Write([]byte(strconv.FormatInt(sequence, 10)))
	h.Write([]byte("|"))
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write(payload)

	return hex.EncodeToString(h.Sum(nil))
}
