package logchain

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// The canonical form C(batch) is the single byte string both the hash and
// the signature are computed over. Fields are concatenated length-prefixed
// in a fixed order, all integers big-endian:
//
//	agent_id   4-byte length, UTF-8 bytes
//	seq        8 bytes
//	prev_hash  32 raw bytes
//	timestamp  8 bytes, two's complement
//	lines      4-byte count, then per line 4-byte length + UTF-8 bytes
//
// The JSON wire form is transport only; hashing never reads JSON bytes.

// ErrTruncated indicates canonical bytes ended before a complete batch.
var ErrTruncated = errors.New("truncated canonical encoding")

// CanonicalBytes returns C(b).
func CanonicalBytes(b *Batch) []byte {
	n := 4 + len(b.AgentID) + 8 + HashSize + 8 + 4
	for _, line := range b.Lines {
		n += 4 + len(line)
	}
	out := make([]byte, 0, n)

	out = binary.BigEndian.AppendUint32(out, uint32(len(b.AgentID)))
	out = append(out, b.AgentID...)
	out = binary.BigEndian.AppendUint64(out, b.Seq)
	out = append(out, b.PrevHash[:]...)
	out = binary.BigEndian.AppendUint64(out, uint64(b.Timestamp))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Lines)))
	for _, line := range b.Lines {
		out = binary.BigEndian.AppendUint32(out, uint32(len(line)))
		out = append(out, line...)
	}
	return out
}

// BatchHash returns SHA-256(C(b)).
func BatchHash(b *Batch) Hash {
	return Hash(sha256.Sum256(CanonicalBytes(b)))
}

// DecodeCanonical parses C(batch) back into a batch. Trailing bytes are an
// error: the encoding is exact.
func DecodeCanonical(data []byte) (*Batch, error) {
	var b Batch
	rest := data

	idBytes, rest, err := takeLV(rest)
	if err != nil {
		return nil, fmt.Errorf("agent_id: %w", err)
	}
	b.AgentID = string(idBytes)

	if len(rest) < 8+HashSize+8+4 {
		return nil, ErrTruncated
	}
	b.Seq = binary.BigEndian.Uint64(rest)
	rest = rest[8:]
	copy(b.PrevHash[:], rest[:HashSize])
	rest = rest[HashSize:]
	b.Timestamp = int64(binary.BigEndian.Uint64(rest))
	rest = rest[8:]

	count := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	b.Lines = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		var line []byte
		line, rest, err = takeLV(rest)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		b.Lines = append(b.Lines, string(line))
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after canonical encoding", len(rest))
	}
	return &b, nil
}

// takeLV consumes a 4-byte big-endian length prefix and that many bytes.
func takeLV(data []byte) (val, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, ErrTruncated
	}
	return data[:n], data[n:], nil
}
