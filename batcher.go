package logchain

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

// Batcher is the agent-side sealing state machine: it numbers batches,
// links each one to its predecessor's hash, and signs the result. One
// Batcher per agent identity; not safe for concurrent use.
type Batcher struct {
	agentID string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	nextSeq uint64
	prev    Hash
}

// NewBatcher starts a fresh chain for agentID: the first sealed batch gets
// seq 1 and a zero prev_hash. Use Resync to continue an existing chain.
func NewBatcher(agentID string, priv ed25519.PrivateKey) (*Batcher, error) {
	if agentID == "" {
		return nil, fmt.Errorf("empty agent id")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &Batcher{
		agentID: agentID,
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		nextSeq: 1,
	}, nil
}

// Seal bundles lines into the next batch of the chain, signs its hash, and
// advances the local head. The server is the arbiter of chain validity; if
// a submission loses a race the caller resynchronizes with Resync and
// seals again.
func (b *Batcher) Seal(lines []string, ts time.Time) (*Submission, error) {
	sub := &Submission{
		Batch: Batch{
			AgentID:   b.agentID,
			Seq:       b.nextSeq,
			PrevHash:  b.prev,
			Timestamp: ts.UnixMilli(),
			Lines:     lines,
		},
		PublicKey: HexBytes(b.pub),
	}
	if err := sub.Batch.Validate(); err != nil {
		return nil, err
	}
	hash := BatchHash(&sub.Batch)
	sub.Signature = SignBatchHash(b.priv, hash)

	b.nextSeq++
	b.prev = hash
	return sub, nil
}

// Resync resets the local head from a server checkpoint, typically after a
// ChainViolation told the agent its view of the chain is stale.
func (b *Batcher) Resync(cp Checkpoint) {
	b.nextSeq = cp.LatestSeq + 1
	b.prev = cp.LatestHash
}

// ResyncTo resets the local head directly from a ChainViolation response.
func (b *Batcher) ResyncTo(cv *ChainViolationError) {
	b.nextSeq = cv.ExpectedSeq
	b.prev = cv.ExpectedPrevHash
}

// Rekey swaps the signing identity after a key rotation. The chain position
// is untouched; subsequent batches are signed with the new key.
func (b *Batcher) Rekey(priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	b.priv = priv
	b.pub = priv.Public().(ed25519.PublicKey)
	return nil
}

// Head reports the local view of the chain head: the seq and hash of the
// last sealed batch. Seq 0 means nothing has been sealed yet.
func (b *Batcher) Head() (seq uint64, prev Hash) {
	return b.nextSeq - 1, b.prev
}
