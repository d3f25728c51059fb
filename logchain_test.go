package logchain

// Shared helpers for the package test suite.

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "logchain-test.db")
	store, err := OpenSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

// sealSubmission builds and signs a submission by hand, without going
// through a Batcher, so tests control every field.
func sealSubmission(priv ed25519.PrivateKey, agentID string, seq uint64, prev Hash, ts int64, lines ...string) *Submission {
	sub := &Submission{
		Batch: Batch{
			AgentID:   agentID,
			Seq:       seq,
			PrevHash:  prev,
			Timestamp: ts,
			Lines:     lines,
		},
		PublicKey: HexBytes(priv.Public().(ed25519.PublicKey)),
	}
	sub.Signature = SignBatchHash(priv, BatchHash(&sub.Batch))
	return sub
}

func mustSubmit(t *testing.T, in *Ingestor, sub *Submission) SubmitResult {
	t.Helper()
	res, err := in.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("Submit(agent=%s seq=%d) failed: %v", sub.AgentID, sub.Seq, err)
	}
	return res
}

func mustRegister(t *testing.T, st Store, agentID string, pub ed25519.PublicKey) {
	t.Helper()
	if err := st.RegisterAgent(context.Background(), agentID, pub, time.Now()); err != nil {
		t.Fatalf("RegisterAgent(%s) failed: %v", agentID, err)
	}
}
