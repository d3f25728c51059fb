package logchain

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"
)

// Registry maps agent identifiers to their current public key and keeps the
// full rotation history. All state lives in the Store so the key bindings
// share the database's durability and transaction guarantees with the chain
// itself.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry creates a registry over st.
func NewRegistry(st Store) *Registry {
	return &Registry{store: st, now: time.Now}
}

// Register binds agentID to pub. It never overwrites: a second registration
// for the same agent fails with ErrAlreadyRegistered regardless of key.
func (r *Registry) Register(ctx context.Context, agentID string, pub []byte) error {
	if agentID == "" {
		return fmt.Errorf("%w: empty agent_id", ErrMalformed)
	}
	if len(pub) != PublicKeySize {
		return fmt.Errorf("%w: public_key must be %d bytes, got %d", ErrMalformed, PublicKeySize, len(pub))
	}
	return r.store.RegisterAgent(ctx, agentID, pub, r.now())
}

// Rotate replaces the current key with newPub when sig attests newPub under
// the current key. The old key is archived with its validity end time. A
// bad attestation is ErrBadSignature; malformed key material is Malformed.
func (r *Registry) Rotate(ctx context.Context, agentID string, newPub, sig []byte) error {
	rec, err := r.store.AgentKey(ctx, agentID)
	if err != nil {
		return err
	}
	ok, err := VerifyRotation(rec.PublicKey, newPub, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !ok {
		return fmt.Errorf("%w: rotation not attested by current key", ErrBadSignature)
	}
	return r.store.RotateAgentKey(ctx, agentID, rec.PublicKey, newPub, sig, r.now())
}

// LookupCurrent returns the agent's current public key.
func (r *Registry) LookupCurrent(ctx context.Context, agentID string) (ed25519.PublicKey, error) {
	rec, err := r.store.AgentKey(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(rec.PublicKey), nil
}

// LookupAt returns the key that was current at time t. Historical
// re-verification resolves t from a batch's received_at, never its
// client-controlled timestamp.
func (r *Registry) LookupAt(ctx context.Context, agentID string, t time.Time) (ed25519.PublicKey, error) {
	pub, err := r.store.AgentKeyAt(ctx, agentID, t)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(pub), nil
}
