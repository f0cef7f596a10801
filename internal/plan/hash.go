package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// hash64 returns the first 8 bytes of the SHA-256 digest, big endian.
func hash64(b []byte) uint64 {
	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}

func writeStructure(buf *bytes.Buffer, b *Base) {
	var bidi int8
	if b.Bidirectional {
		bidi = 1
	}
	binary.Write(buf, binary.BigEndian, bidi)
	binary.Write(buf, binary.BigEndian, uint32(len(b.Items)))
}

// hashStructure fingerprints the plan shape: bidirectionality, item count and
// every (stepNumber, repeats) pair. Expected values are not included.
func hashStructure(b *Base) uint64 {
	var buf bytes.Buffer
	writeStructure(&buf, b)
	for _, it := range b.Items {
		binary.Write(&buf, binary.BigEndian, int32(it.StepNumber))
		binary.Write(&buf, binary.BigEndian, int32(it.Repeats))
	}
	return hash64(buf.Bytes())
}

// hashValues is hashStructure plus every expected value.
func hashValues(b *Base) uint64 {
	var buf bytes.Buffer
	writeStructure(&buf, b)
	for _, it := range b.Items {
		binary.Write(&buf, binary.BigEndian, int32(it.StepNumber))
		binary.Write(&buf, binary.BigEndian, int32(it.Repeats))
		binary.Write(&buf, binary.BigEndian, math.Float64bits(it.Expected))
	}
	return hash64(buf.Bytes())
}
