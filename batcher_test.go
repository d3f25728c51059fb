package logchain

import (
	"testing"
	"time"
)

func TestBatcher_SealAdvancesChain(t *testing.T) {
	_, priv := testKeypair(t)
	b, err := NewBatcher("a", priv)
	if err != nil {
		t.Fatal(err)
	}

	first, err := b.Seal([]string{"one"}, time.UnixMilli(1000))
	if err != nil {
		t.Fatal(err)
	}
	if first.Seq != 1 || !first.PrevHash.IsZero() {
		t.Errorf("first batch = seq %d prev %s", first.Seq, first.PrevHash)
	}

	second, err := b.Seal([]string{"two"}, time.UnixMilli(2000))
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != 2 {
		t.Errorf("second seq = %d", second.Seq)
	}
	if second.PrevHash != BatchHash(&first.Batch) {
		t.Error("second batch does not link to first")
	}

	if ok, err := VerifyBatchSignature(second.PublicKey, BatchHash(&second.Batch), second.Signature); err != nil || !ok {
		t.Errorf("sealed batch signature invalid: ok=%v err=%v", ok, err)
	}

	seq, prev := b.Head()
	if seq != 2 || prev != BatchHash(&second.Batch) {
		t.Errorf("head = (%d, %s)", seq, prev)
	}
}

func TestBatcher_SealRejectsEmptyBatch(t *testing.T) {
	_, priv := testKeypair(t)
	b, err := NewBatcher("a", priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Seal(nil, time.Now()); err == nil {
		t.Fatal("sealing zero lines should fail")
	}
	// A failed seal must not burn a seq.
	sub, err := b.Seal([]string{"ok"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sub.Seq != 1 {
		t.Errorf("seq = %d after failed seal, want 1", sub.Seq)
	}
}

func TestBatcher_Resync(t *testing.T) {
	_, priv := testKeypair(t)
	b, err := NewBatcher("a", priv)
	if err != nil {
		t.Fatal(err)
	}

	var head Hash
	head[5] = 0x42
	b.Resync(Checkpoint{AgentID: "a", LatestSeq: 9, LatestHash: head})
	sub, err := b.Seal([]string{"resumed"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sub.Seq != 10 || sub.PrevHash != head {
		t.Errorf("after resync: seq %d prev %s", sub.Seq, sub.PrevHash)
	}

	b.ResyncTo(&ChainViolationError{ExpectedSeq: 4, ExpectedPrevHash: head})
	sub, err = b.Seal([]string{"corrected"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sub.Seq != 4 || sub.PrevHash != head {
		t.Errorf("after violation resync: seq %d prev %s", sub.Seq, sub.PrevHash)
	}
}

func TestBatcher_Rekey(t *testing.T) {
	_, priv := testKeypair(t)
	newPub, newPriv := testKeypair(t)

	b, err := NewBatcher("a", priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Seal([]string{"old key"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := b.Rekey(newPriv); err != nil {
		t.Fatal(err)
	}
	sub, err := b.Seal([]string{"new key"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sub.Seq != 2 {
		t.Errorf("rekey must not reset the chain position, seq = %d", sub.Seq)
	}
	if string(sub.PublicKey) != string(newPub) {
		t.Error("sealed batch does not carry the new public key")
	}
}
