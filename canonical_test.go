package logchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// independentEncode rebuilds C(batch) with a second, deliberately naive
// implementation so the two can be compared byte for byte.
func independentEncode(b *Batch) []byte {
	var buf bytes.Buffer
	write := func(v any) { _ = binary.Write(&buf, binary.BigEndian, v) }

	write(uint32(len(b.AgentID)))
	buf.WriteString(b.AgentID)
	write(b.Seq)
	buf.Write(b.PrevHash[:])
	write(b.Timestamp)
	write(uint32(len(b.Lines)))
	for _, line := range b.Lines {
		write(uint32(len(line)))
		buf.WriteString(line)
	}
	return buf.Bytes()
}

func sampleBatch() *Batch {
	var prev Hash
	prev[0], prev[31] = 0xab, 0xcd
	return &Batch{
		AgentID:   "host-01",
		Seq:       7,
		PrevHash:  prev,
		Timestamp: 1_700_000_000_123,
		Lines:     []string{"first line", "second line", "αβγ unicode"},
	}
}

func TestCanonicalBytes_MatchesIndependentEncoding(t *testing.T) {
	cases := []*Batch{
		sampleBatch(),
		{AgentID: "a", Seq: 1, Timestamp: 1000, Lines: []string{"hello"}},
		{AgentID: "a", Seq: 1, Timestamp: -5, Lines: []string{""}},
	}
	for _, b := range cases {
		require.Equal(t, independentEncode(b), CanonicalBytes(b), "agent=%s seq=%d", b.AgentID, b.Seq)
	}
}

func TestBatchHash_IsSHA256OfCanonicalBytes(t *testing.T) {
	b := sampleBatch()
	want := sha256.Sum256(independentEncode(b))
	require.Equal(t, Hash(want), BatchHash(b))
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	b := sampleBatch()
	require.Equal(t, CanonicalBytes(b), CanonicalBytes(b))
	require.Equal(t, BatchHash(b), BatchHash(b))
}

// Semantically distinct batches must encode distinctly: the length
// prefixes prevent field contents from bleeding into each other.
func TestCanonicalBytes_Injective(t *testing.T) {
	base := &Batch{AgentID: "ab", Seq: 1, Timestamp: 0, Lines: []string{"cd"}}
	variants := []*Batch{
		{AgentID: "abc", Seq: 1, Timestamp: 0, Lines: []string{"d"}},
		{AgentID: "ab", Seq: 2, Timestamp: 0, Lines: []string{"cd"}},
		{AgentID: "ab", Seq: 1, Timestamp: 1, Lines: []string{"cd"}},
		{AgentID: "ab", Seq: 1, Timestamp: 0, Lines: []string{"c", "d"}},
		{AgentID: "ab", Seq: 1, Timestamp: 0, Lines: []string{"cd", ""}},
	}
	seen := map[string]bool{string(CanonicalBytes(base)): true}
	for _, v := range variants {
		enc := string(CanonicalBytes(v))
		require.False(t, seen[enc], "batch %+v collided", v)
		seen[enc] = true
	}
}

func TestDecodeCanonical_RoundTrip(t *testing.T) {
	for _, b := range []*Batch{
		sampleBatch(),
		{AgentID: "a", Seq: 1, Timestamp: -1, Lines: []string{"x"}},
	} {
		decoded, err := DecodeCanonical(CanonicalBytes(b))
		require.NoError(t, err)
		require.Equal(t, b, decoded)
		require.Equal(t, BatchHash(b), BatchHash(decoded))
	}
}

func TestDecodeCanonical_Truncated(t *testing.T) {
	full := CanonicalBytes(sampleBatch())
	for _, cut := range []int{0, 3, 10, len(full) / 2, len(full) - 1} {
		_, err := DecodeCanonical(full[:cut])
		require.Error(t, err, "cut at %d", cut)
	}
	_, err := DecodeCanonical(append(append([]byte{}, full...), 0x00))
	require.Error(t, err, "trailing byte must be rejected")
}
