package logchain

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// SubmitResult is the outcome of an accepted (or replayed) submission.
type SubmitResult struct {
	ID        int64 `json:"id"`
	Hash      Hash  `json:"hash"`
	Duplicate bool  `json:"duplicate"`
}

// Ingestor is the single write path into the Chain Store. It validates a
// submission, resolves the signing key against the registry (or binds it
// under trust-on-first-use), verifies the signature over the recomputed
// hash, and hands the batch to the store's commit transaction.
type Ingestor struct {
	store               Store
	requireRegistration bool
	now                 func() time.Time
	maxAttempts         int
	log                 *slog.Logger
}

// NewIngestor creates an ingestor over st. With requireRegistration set,
// submissions from unregistered agents are rejected; otherwise the first
// submission binds the embedded public key.
func NewIngestor(st Store, requireRegistration bool, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		store:               st,
		requireRegistration: requireRegistration,
		now:                 time.Now,
		maxAttempts:         4,
		log:                 log,
	}
}

// Submit runs the full ingestion pipeline for one submission. Duplicates
// are success with Duplicate set; chain mismatches return a
// *ChainViolationError carrying the expected head. Transient store
// conflicts are retried with jittered backoff before surfacing.
func (in *Ingestor) Submit(ctx context.Context, sub *Submission) (SubmitResult, error) {
	if err := sub.Validate(); err != nil {
		return SubmitResult{}, err
	}
	hash := BatchHash(&sub.Batch)

	var lastErr error
	for attempt := 0; attempt < in.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return SubmitResult{}, err
			}
		}

		key, bind, err := in.resolveKey(ctx, sub)
		if err != nil {
			return SubmitResult{}, err
		}
		ok, err := VerifyBatchSignature(key, hash, sub.Signature)
		if err != nil {
			return SubmitResult{}, errors.Join(ErrMalformed, err)
		}
		if !ok {
			return SubmitResult{}, ErrBadSignature
		}

		res, err := in.store.AppendBatch(ctx, AppendRequest{
			Sub:         sub,
			Hash:        hash,
			ReceivedAt:  in.now(),
			VerifiedKey: key,
			BindKey:     bind,
		})
		switch {
		case err == nil:
			in.log.Debug("batch accepted",
				"agent_id", sub.AgentID, "seq", sub.Seq,
				"hash", hash.String(), "duplicate", res.Duplicate)
			return SubmitResult{ID: res.ID, Hash: hash, Duplicate: res.Duplicate}, nil
		case errors.Is(err, errKeyConflict):
			// The binding moved underneath us; re-resolve and re-verify.
			lastErr = err
		case IsTransient(err):
			lastErr = err
		default:
			return SubmitResult{}, err
		}
	}
	return SubmitResult{}, lastErr
}

// resolveKey returns the key the signature must verify under and whether a
// TOFU binding is pending. TOFU never rebinds: an existing registration
// always wins over the submitted key.
func (in *Ingestor) resolveKey(ctx context.Context, sub *Submission) (key []byte, bind bool, err error) {
	rec, err := in.store.AgentKey(ctx, sub.AgentID)
	switch {
	case err == nil:
		return rec.PublicKey, false, nil
	case errors.Is(err, ErrUnknownAgent):
		if in.requireRegistration {
			return nil, false, ErrUnknownAgent
		}
		return sub.PublicKey, true, nil
	default:
		return nil, false, err
	}
}

func sleepBackoff(ctx context.Context, attempt int) error {
	base := 10 * time.Millisecond << uint(attempt)
	d := base + time.Duration(rand.Int63n(int64(base)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
