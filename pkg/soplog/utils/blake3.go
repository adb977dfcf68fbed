package utils

import (
	"hash"
	"io"
	"os"

	blake3 "lukechampine.com/blake3"
)

// DigestSize is the length of the BLAKE3 digests stored in segment footers.
const DigestSize = 32

// NewBLAKE3 returns a streaming 256-bit BLAKE3 hasher.
func NewBLAKE3() hash.Hash {
	return blake3.New(DigestSize, nil)
}

// ComputeBLAKE3Range hashes the first n bytes of the file at path.
func ComputeBLAKE3Range(path string, n int64) ([DigestSize]byte, error) {
	var out [DigestSize]byte
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()
	h := NewBLAKE3()
	if _, err := io.CopyN(h, f, n); err != nil {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}
