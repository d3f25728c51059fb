package logchain

import (
	"context"
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
)

// Sentinel errors for the ingest and registry surfaces. Handlers map these
// to HTTP status codes in one place (see server.go).
var (
	// ErrMalformed wraps syntactic validation failures. Not retriable.
	ErrMalformed = errors.New("malformed request")

	// ErrUnauthorized indicates a missing or wrong bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownAgent is returned when registration is required and the
	// submitting agent is absent from the registry.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAlreadyRegistered is returned by Register for an existing agent;
	// the registry never overwrites a binding.
	ErrAlreadyRegistered = errors.New("agent already registered")

	// ErrBadSignature indicates a signature that does not verify under the
	// resolved key. Not retriable.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrNotFound indicates a missing batch or agent on a read path.
	ErrNotFound = errors.New("not found")
)

// errKeyConflict signals that the key resolved before the transaction no
// longer matches the registry inside it (a concurrent TOFU bind or
// rotation). The pipeline re-resolves and retries.
var errKeyConflict = errors.New("agent key changed during ingest")

// ChainViolationError reports a submission whose seq or prev_hash does not
// extend the stored chain head. The expected values let the agent
// resynchronize.
type ChainViolationError struct {
	AgentID          string `json:"agent_id"`
	ExpectedSeq      uint64 `json:"expected_seq"`
	ExpectedPrevHash Hash   `json:"expected_prev_hash"`
}

func (e *ChainViolationError) Error() string {
	return fmt.Sprintf("chain violation for agent %q: next batch must have seq %d and prev_hash %s",
		e.AgentID, e.ExpectedSeq, e.ExpectedPrevHash)
}

// SQLite primary and extended result codes the store distinguishes.
const (
	sqliteBusy              = 5
	sqliteLocked            = 6
	sqliteConstraint        = 19
	sqliteConstraintTrigger = 1811
	sqliteConstraintUnique  = 2067
	sqliteConstraintPrimary = 1555
)

// IsTransient reports whether err could plausibly succeed on retry:
// database busy/locked (including their extended codes) and expired
// context deadlines qualify; validation, cryptographic, and chain errors
// never do.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	return false
}

// isConstraint reports whether err is any SQLite constraint failure,
// including trigger-raised aborts.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqliteConstraint
	}
	return false
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqliteConstraintUnique || se.Code() == sqliteConstraintPrimary
	}
	return false
}
