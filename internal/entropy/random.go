// Package entropy provides the chance source for critical stochastic
// events. Seeded sources make coup resolution replayable; the crypto
// fallback serves unseeded interactive runs.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
)

// Source yields random floats. A seeded source is fully deterministic:
// same seed, same draw sequence.
type Source struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeeded creates a deterministic source from a seed.
func NewSeeded(seed int64) *Source {
	return &Source{rng: mrand.New(mrand.NewSource(seed))}
}

// NewCrypto creates a source backed by crypto/rand. Not replayable.
func NewCrypto() *Source {
	return &Source{}
}

// Float returns a random float64 in [0, 1).
func (s *Source) Float() float64 {
	if s == nil || s.rng == nil {
		return cryptoRandFloat()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Intn returns a random int in [0, n).
func (s *Source) Intn(n int) int {
	if s == nil || s.rng == nil {
		return int(cryptoRandFloat() * float64(n))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

// cryptoRandFloat generates a random float64 using crypto/rand.
func cryptoRandFloat() float64 {
	var buf [8]byte
	_, err := rand.Read(buf[:])
	if err != nil {
		// This should never happen but return 0.5 as a safe default.
		return 0.5
	}
	// Use only 53 bits for a uniform float64 in [0, 1).
	n := binary.LittleEndian.Uint64(buf[:]) >> 11
	return float64(n) / float64(1<<53)
}
