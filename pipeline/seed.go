package pipeline

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

// pcgStream fixes the PCG increment so a seed alone determines the stream.
const pcgStream = 0x9e3779b97f4a7c15

// RandomSeed returns a non-negative seed from crypto/rand.
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 42
	}
	// Clear the sign bit.
	return int64(binary.LittleEndian.Uint64(buf[:]) & (1<<63 - 1))
}

// NewRand builds the deterministic random stream for seed. Two streams built
// from the same seed yield identical sequences.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), pcgStream))
}
