package blobformat

import (
	"encoding/binary"
	"fmt"
)

// HEv1Magic starts every encrypted-code blob.
var HEv1Magic = []byte("HEv1")

// PackHEv1 wraps serialized ciphertexts into the HEv1 envelope: magic,
// little-endian u32 count, then per ciphertext a little-endian u32 length
// and the bytes.
func PackHEv1(cts [][]byte) []byte {
	size := len(HEv1Magic) + 4
	for _, ct := range cts {
		size += 4 + len(ct)
	}
	out := make([]byte, 0, size)
	out = append(out, HEv1Magic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(cts)))
	for _, ct := range cts {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(ct)))
		out = append(out, ct...)
	}
	return out
}

// UnpackHEv1 parses an HEv1 envelope back into serialized ciphertexts.
func UnpackHEv1(blob []byte) ([][]byte, error) {
	if len(blob) < len(HEv1Magic)+4 {
		return nil, fmt.Errorf("hev1 blob too short (%d bytes)", len(blob))
	}
	if string(blob[:4]) != string(HEv1Magic) {
		return nil, fmt.Errorf("not an hev1 blob")
	}
	count := binary.LittleEndian.Uint32(blob[4:8])
	offset := 8
	// Each ciphertext occupies at least a 4-byte length prefix, so cap the
	// capacity hint to what the blob could actually hold; the length checks
	// below still reject inconsistent counts.
	capHint := count
	if max := uint32(len(blob)-offset) / 4; capHint > max {
		capHint = max
	}
	cts := make([][]byte, 0, capHint)
	for i := uint32(0); i < count; i++ {
		if offset+4 > len(blob) {
			return nil, fmt.Errorf("hev1 blob truncated at ciphertext %d length", i)
		}
		n := int(binary.LittleEndian.Uint32(blob[offset : offset+4]))
		offset += 4
		if offset+n > len(blob) {
			return nil, fmt.Errorf("hev1 blob truncated at ciphertext %d body (%d bytes)", i, n)
		}
		cts = append(cts, blob[offset:offset+n])
		offset += n
	}
	if offset != len(blob) {
		return nil, fmt.Errorf("hev1 blob has %d trailing bytes", len(blob)-offset)
	}
	return cts, nil
}

// HEv1Sizes reports the per-ciphertext byte sizes without copying bodies.
// The DB inspector uses it to summarize BYTEA columns.
func HEv1Sizes(blob []byte) ([]int, error) {
	cts, err := UnpackHEv1(blob)
	if err != nil {
		return nil, err
	}
	sizes := make([]int, len(cts))
	for i, ct := range cts {
		sizes[i] = len(ct)
	}
	return sizes, nil
}
