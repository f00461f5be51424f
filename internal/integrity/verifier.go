// Package integrity checks downloaded payloads against expected SHA-256
// digests.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
)

// ErrIntegrity indicates that received bytes do not hash to the expected
// digest. It is fatal: the payload must not be surfaced.
var ErrIntegrity = errors.New("integrity check failed")

// Size is the digest length in bytes.
const Size = sha256.Size

// Verifier accumulates a SHA-256 over bytes in the order they are written.
type Verifier struct {
	h     hash.Hash
	n     int64
	final *[Size]byte
}

// New returns an empty verifier.
func New() *Verifier {
	return &Verifier{h: sha256.New()}
}

// Write feeds p into the running digest. It never fails.
func (v *Verifier) Write(p []byte) (int, error) {
	if v.final != nil {
		panic("integrity: write after Finalize")
	}
	v.n += int64(len(p))
	return v.h.Write(p)
}

// Len returns how many bytes have been fed.
func (v *Verifier) Len() int64 { return v.n }

// Finalize returns the digest. Later calls return the same value.
func (v *Verifier) Finalize() [Size]byte {
	if v.final == nil {
		var sum [Size]byte
		copy(sum[:], v.h.Sum(nil))
		v.final = &sum
	}
	return *v.final
}

// Check finalizes the digest and compares it to expected.
func (v *Verifier) Check(expected []byte) error {
	sum := v.Finalize()
	return compare("payload", sum[:], expected)
}

// CheckPart hashes one part and compares it to expected.
func CheckPart(offset int64, data, expected []byte) error {
	sum := sha256.Sum256(data)
	return compare(fmt.Sprintf("part at %d", offset), sum[:], expected)
}

// Sum returns the SHA-256 of data.
func Sum(data []byte) [Size]byte {
	return sha256.Sum256(data)
}

func compare(what string, got, expected []byte) error {
	if len(expected) != Size {
		return fmt.Errorf("%w: %s: expected digest has %d bytes", ErrIntegrity, what, len(expected))
	}
	if subtle.ConstantTimeCompare(got, expected) != 1 {
		return fmt.Errorf("%w: %s: got %s, want %s", ErrIntegrity, what,
			hex.EncodeToString(got[:8]), hex.EncodeToString(expected[:8]))
	}
	return nil
}
