package logchain

import (
	"context"
	"time"
)

// Checkpoint is the chain head of one agent: the highest committed seq and
// its hash. Agents resynchronize from checkpoints after a chain violation.
type Checkpoint struct {
	AgentID    string `json:"agent_id"`
	LatestSeq  uint64 `json:"latest_seq"`
	LatestHash Hash   `json:"latest_hash"`
}

// AgentRecord is an agent's current registry entry.
type AgentRecord struct {
	AgentID      string   `json:"agent_id"`
	PublicKey    HexBytes `json:"public_key"`
	RegisteredAt int64    `json:"registered_at"`
}

// Rotation is one archived key rotation. RotatedAt is the validity end time
// of OldKey in milliseconds of server time.
type Rotation struct {
	AgentID   string   `json:"agent_id"`
	OldKey    HexBytes `json:"old_key"`
	NewKey    HexBytes `json:"new_key"`
	RotatedAt int64    `json:"rotated_at"`
	Signature HexBytes `json:"rotation_signature"`
}

// BatchFilter selects batches for ListBatches. Zero values mean "no bound",
// except Limit, where zero or less means the default page size of 100.
// LogSubstring is a case-sensitive literal match against any single line.
// Results are always ordered (agent_id, seq) ascending so a verifier can
// reconstruct chains from them.
type BatchFilter struct {
	AgentID        string
	SinceSeq       uint64
	SinceTimestamp int64
	UntilTimestamp int64
	LogSubstring   string
	Limit          int
	Offset         int
}

// AppendRequest carries a validated, signature-checked submission into the
// store's commit transaction.
type AppendRequest struct {
	Sub        *Submission
	Hash       Hash
	ReceivedAt time.Time
	// VerifiedKey is the public key the signature was checked under. The
	// transaction re-reads the registry and fails with a key conflict if
	// the binding changed in between.
	VerifiedKey []byte
	// BindKey makes the transaction insert the agent record with
	// VerifiedKey when the agent is still unregistered (trust-on-first-use).
	BindKey bool
}

// AppendResult reports the committed (or previously committed) row.
type AppendResult struct {
	ID        int64
	Duplicate bool
}

// Store is the append-only persistence contract: batches and registry state
// go in, nothing ever comes back out changed. The SQLite implementation
// additionally enforces the chain invariants with triggers so that even a
// raw SQL client cannot violate them.
type Store interface {
	// AppendBatch commits one batch in a single serializable transaction:
	// registry re-check (and optional TOFU bind), duplicate short-circuit,
	// chain-head check, insert. Duplicates are success, not an error.
	AppendBatch(ctx context.Context, req AppendRequest) (AppendResult, error)

	BatchByID(ctx context.Context, id int64) (*StoredBatch, error)
	BatchByHash(ctx context.Context, h Hash) (*StoredBatch, error)
	ListBatches(ctx context.Context, f BatchFilter) ([]StoredBatch, error)
	// Checkpoints returns the chain head of every known agent.
	Checkpoints(ctx context.Context) ([]Checkpoint, error)
	// Head returns the chain head for one agent; ok is false for agents
	// with no batches.
	Head(ctx context.Context, agentID string) (Checkpoint, bool, error)
	// Export returns up to limit batches with id > afterID in insertion
	// order, for resumable bulk export.
	Export(ctx context.Context, afterID int64, limit int) ([]StoredBatch, error)

	// RegisterAgent binds agentID to pub; ErrAlreadyRegistered if present.
	RegisterAgent(ctx context.Context, agentID string, pub []byte, registeredAt time.Time) error
	// RotateAgentKey archives the expected current key and installs newPub,
	// atomically. Fails with a conflict if the current key is not oldPub.
	RotateAgentKey(ctx context.Context, agentID string, oldPub, newPub, sig []byte, rotatedAt time.Time) error
	// AgentKey returns the current key, or ErrUnknownAgent.
	AgentKey(ctx context.Context, agentID string) (AgentRecord, error)
	// AgentKeyAt returns the key that was current at time t, resolved
	// against registration and rotation times (server clock).
	AgentKeyAt(ctx context.Context, agentID string, t time.Time) ([]byte, error)
	// Rotations returns the rotation history for one agent, oldest first.
	Rotations(ctx context.Context, agentID string) ([]Rotation, error)

	// Backup writes a standalone snapshot of the database to path.
	Backup(ctx context.Context, path string) error
	Close() error
}
