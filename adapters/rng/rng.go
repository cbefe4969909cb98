// Package rng derives independent, reproducible random streams from a base seed.
package rng

import (
	"hash/fnv"
	"math/rand"

	"phaselock/ports"
)

// Source implements ports.RNGPort
type Source struct{}

// New returns the default seeded stream source
func New() *Source {
	return &Source{}
}

var _ ports.RNGPort = (*Source)(nil)

// Derive returns the stream for item index of the sequence seeded by seed
func (s *Source) Derive(seed int64, index int) *rand.Rand {
	return Derive(seed, index)
}

// Named returns a stream for a named operation under seed
func (s *Source) Named(seed int64, name string) *rand.Rand {
	return Named(seed, name)
}

// Derive returns the stream for item index of the sequence seeded by seed.
// Streams for different indices are decorrelated through splitmix64 mixing.
func Derive(seed int64, index int) *rand.Rand {
	return rand.New(rand.NewSource(DeriveSeed(seed, uint64(index))))
}

// Named returns a stream for a named operation under seed
func Named(seed int64, name string) *rand.Rand {
	return rand.New(rand.NewSource(DeriveSeed(seed, hashString(name))))
}

// DeriveSeed mixes a base seed with a stream key
func DeriveSeed(seed int64, key uint64) int64 {
	x := splitmix64(uint64(seed))
	x = splitmix64(x ^ splitmix64(key+0x632be59bd9b4e019))
	return int64(x >> 1)
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
