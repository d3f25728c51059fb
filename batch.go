// Package logchain implements a tamper-evident log-shipping protocol:
// agents seal log lines into signed, hash-chained batches, a server
// verifies and persists them append-only, and a verifier can replay the
// store to prove nothing was altered, reordered, or dropped.
package logchain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// HashSize is the size in bytes of batch hashes (SHA-256 output size).
const HashSize = 32

// Hash is a SHA-256 digest. The zero value marks the start of a chain.
type Hash [HashSize]byte

// ZeroHash is the prev_hash of the first batch in every chain.
var ZeroHash Hash

// IsZero reports whether h is all zero bytes.
func (h Hash) IsZero() bool {
	var acc byte
	for _, b := range h {
		acc |= b
	}
	return acc == 0
}

// String returns the lower-case hex form of h.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalText encodes h as lower-case hex.
func (h Hash) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(out, h[:])
	return out, nil
}

// UnmarshalText decodes a 64-character hex string.
func (h *Hash) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != HashSize {
		return fmt.Errorf("hash must be %d hex-encoded bytes, got %d characters", HashSize, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash decodes a lower-case hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// HexBytes is a byte slice that travels as lower-case hex on the wire.
// Used for public keys and signatures.
type HexBytes []byte

// MarshalText encodes b as lower-case hex.
func (b HexBytes) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out, nil
}

// UnmarshalText decodes a hex string of any length.
func (b *HexBytes) UnmarshalText(text []byte) error {
	out := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(out, text); err != nil {
		return err
	}
	*b = out
	return nil
}

// String returns the lower-case hex form of b.
func (b HexBytes) String() string { return hex.EncodeToString(b) }

// Batch is the unit of ingestion and the node of the per-agent hash chain.
// Seq is 1 for the first batch of an agent and increases by exactly one per
// accepted batch; PrevHash links each batch to its predecessor's hash and is
// all zero for seq 1. Timestamp is client-assigned milliseconds since the
// epoch and is advisory only.
type Batch struct {
	AgentID   string   `json:"agent_id"`
	Seq       uint64   `json:"seq"`
	PrevHash  Hash     `json:"prev_hash"`
	Timestamp int64    `json:"timestamp"`
	Lines     []string `json:"lines"`
}

// Submission is the wire form accepted by POST /submit: a batch together
// with the Ed25519 signature over its hash and the public key the agent
// signs with. The key is authoritative only under trust-on-first-use; for
// registered agents the server resolves the key from the registry.
type Submission struct {
	Batch
	PublicKey HexBytes `json:"public_key"`
	Signature HexBytes `json:"signature"`
}

// StoredBatch is a committed batch as returned by the query surface.
// ID is the monotone insertion id used as the export cursor; ReceivedAt is
// the server clock at commit, in milliseconds.
type StoredBatch struct {
	ID int64 `json:"id"`
	Batch
	Hash       Hash     `json:"hash"`
	Signature  HexBytes `json:"signature"`
	ReceivedAt int64    `json:"received_at"`
}

// Validate checks the syntactic rules for a batch: non-empty printable
// agent id, seq at least 1, and at least one NUL-free UTF-8 line.
// Chain placement (prev_hash against the stored head) is not checked here.
func (b *Batch) Validate() error {
	if b.AgentID == "" {
		return fmt.Errorf("%w: empty agent_id", ErrMalformed)
	}
	if !utf8.ValidString(b.AgentID) {
		return fmt.Errorf("%w: agent_id is not valid UTF-8", ErrMalformed)
	}
	for _, r := range b.AgentID {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%w: agent_id contains non-printable character %q", ErrMalformed, r)
		}
	}
	if b.Seq < 1 {
		return fmt.Errorf("%w: seq must be at least 1", ErrMalformed)
	}
	if len(b.Lines) == 0 {
		return fmt.Errorf("%w: batch has no lines", ErrMalformed)
	}
	for i, line := range b.Lines {
		if !utf8.ValidString(line) {
			return fmt.Errorf("%w: line %d is not valid UTF-8", ErrMalformed, i)
		}
		if strings.ContainsRune(line, 0) {
			return fmt.Errorf("%w: line %d contains NUL", ErrMalformed, i)
		}
	}
	return nil
}

// Validate checks the batch rules plus the key and signature lengths.
func (s *Submission) Validate() error {
	if err := s.Batch.Validate(); err != nil {
		return err
	}
	if len(s.PublicKey) != PublicKeySize {
		return fmt.Errorf("%w: public_key must be %d bytes, got %d", ErrMalformed, PublicKeySize, len(s.PublicKey))
	}
	if len(s.Signature) != SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrMalformed, SignatureSize, len(s.Signature))
	}
	return nil
}
