package recon

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"lukechampine.com/blake3"
)

// NewChallengeNonce returns a fresh random nonce for a PoW challenge.
func NewChallengeNonce() ([32]byte, error) {
	var nonce [32]byte
	_, err := io.ReadFull(rand.Reader, nonce[:])
	return nonce, err
}

func leadingZeroBits(digest [32]byte) uint8 {
	var bits uint8
	for _, b := range digest {
		if b == 0 {
			bits += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}

func powDigest(nonce [32]byte, solution [32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write(nonce[:])
	h.Write(solution[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyPoW reports whether Blake3(nonce || solution) has at least
// difficulty leading zero bits.
func VerifyPoW(nonce [32]byte, difficulty uint8, solution [32]byte) bool {
	return leadingZeroBits(powDigest(nonce, solution)) >= difficulty
}

// SolvePoW searches for a solution satisfying VerifyPoW, trying at most
// maxAttempts candidates derived deterministically from a counter (the
// engine is synchronous and must not depend on a process-global RNG for
// reproducible simulation). Returns ok=false if no solution is found
// within the attempt budget.
func SolvePoW(nonce [32]byte, difficulty uint8, maxAttempts uint64) (solution [32]byte, ok bool) {
	for i := uint64(0); i < maxAttempts; i++ {
		var candidate [32]byte
		binary.LittleEndian.PutUint64(candidate[:8], i)
		if VerifyPoW(nonce, difficulty, candidate) {
			return candidate, true
		}
	}
	return solution, false
}
