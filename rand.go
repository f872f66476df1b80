package ringoram

import (
	crand "crypto/rand"
	"math/rand/v2"
)

// Rand is the randomness source used for leaf reassignment, dummy-slot
// choice and bucket shuffling. *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
	Shuffle(n int, swap func(i, j int))
}

// NewRand returns a ChaCha8 generator seeded from crypto/rand.
func NewRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return rand.New(rand.NewChaCha8(seed))
}

// NewSeededRand returns a deterministic generator for tests and replay.
func NewSeededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
