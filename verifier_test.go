package logchain

import (
	"context"
	"strings"
	"testing"
	"time"
)

// sliceExporter serves a fixed set of batches through the Exporter
// interface, letting tests hand the verifier tampered data that the real
// store's triggers would never let exist.
type sliceExporter []StoredBatch

func (s sliceExporter) Export(_ context.Context, afterID int64, limit int) ([]StoredBatch, error) {
	var out []StoredBatch
	for _, sb := range s {
		if sb.ID > afterID {
			out = append(out, sb)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// staticKeys resolves every agent to one fixed key at all times.
type staticKeys []byte

func (k staticKeys) AgentKeyAt(context.Context, string, time.Time) ([]byte, error) {
	return k, nil
}

func buildStoredChain(t *testing.T, agentID string, n int) ([]StoredBatch, staticKeys) {
	t.Helper()
	pub, priv := testKeypair(t)
	var out []StoredBatch
	prev := ZeroHash
	for i := 1; i <= n; i++ {
		sub := sealSubmission(priv, agentID, uint64(i), prev, int64(i*1000), "entry", "of batch")
		h := BatchHash(&sub.Batch)
		out = append(out, StoredBatch{
			ID:         int64(i),
			Batch:      sub.Batch,
			Hash:       h,
			Signature:  sub.Signature,
			ReceivedAt: int64(i * 1000),
		})
		prev = h
	}
	return out, staticKeys(pub)
}

func TestVerifier_CleanChain(t *testing.T) {
	chain, keys := buildStoredChain(t, "a", 7)
	v := NewVerifier(sliceExporter(chain), keys)
	v.PageSize = 3 // force pagination

	report, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Fatalf("clean chain reported problems: %v", report.Problems)
	}
	if report.Batches != 7 || report.Agents != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestVerifier_DetectsAlteredLine(t *testing.T) {
	chain, keys := buildStoredChain(t, "a", 3)
	chain[1].Lines[0] = "forged content"

	report, err := NewVerifier(sliceExporter(chain), keys).VerifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("altered line went undetected")
	}
	found := false
	for _, p := range report.Problems {
		if p.Seq == 2 && strings.Contains(p.Reason, "recomputed") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a hash mismatch at seq 2, got %v", report.Problems)
	}
}

func TestVerifier_DetectsDroppedBatch(t *testing.T) {
	chain, keys := buildStoredChain(t, "a", 4)
	withGap := append(append([]StoredBatch{}, chain[:1]...), chain[2:]...)

	report, err := NewVerifier(sliceExporter(withGap), keys).VerifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range report.Problems {
		if strings.Contains(p.Reason, "contiguity") {
			found = true
		}
	}
	if !found {
		t.Errorf("dropped batch went undetected: %v", report.Problems)
	}
}

func TestVerifier_DetectsRelinkedChain(t *testing.T) {
	chain, keys := buildStoredChain(t, "a", 3)
	// Rewrite batch 2 entirely: consistent hash for its own content, but
	// linked to a fabricated predecessor.
	var fake Hash
	fake[0] = 0xff
	chain[1].PrevHash = fake
	chain[1].Hash = BatchHash(&chain[1].Batch)

	report, err := NewVerifier(sliceExporter(chain), keys).VerifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range report.Problems {
		if p.Seq == 2 && strings.Contains(p.Reason, "predecessor") {
			found = true
		}
	}
	if !found {
		t.Errorf("relinked chain went undetected: %v", report.Problems)
	}
}

func TestVerifier_DetectsForeignSignature(t *testing.T) {
	chain, _ := buildStoredChain(t, "a", 2)
	otherPub, _ := testKeypair(t)

	report, err := NewVerifier(sliceExporter(chain), staticKeys(otherPub)).VerifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("signatures under the wrong key went undetected")
	}
}

func TestVerifier_NilResolverSkipsSignatures(t *testing.T) {
	chain, _ := buildStoredChain(t, "a", 2)
	report, err := NewVerifier(sliceExporter(chain), nil).VerifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Errorf("structure-only verification failed: %v", report.Problems)
	}
}

func TestVerifier_AgainstRealStore(t *testing.T) {
	st := newTestStore(t)
	pub, priv := testKeypair(t)
	mustRegister(t, st, "a", pub)
	in := NewIngestor(st, true, nil)

	prev := ZeroHash
	for i := 1; i <= 4; i++ {
		sub := sealSubmission(priv, "a", uint64(i), prev, int64(i), "committed line")
		res := mustSubmit(t, in, sub)
		prev = res.Hash
	}

	report, err := NewVerifier(st, st).VerifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Errorf("ingested chain failed verification: %v", report.Problems)
	}
	if report.Batches != 4 {
		t.Errorf("verified %d batches, want 4", report.Batches)
	}
}
