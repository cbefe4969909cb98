package ports

import "math/rand"

// RNGPort provides seeded random number generation for deterministic operations
type RNGPort interface {
	// Derive returns the independent stream for item index of a seeded sequence
	Derive(seed int64, index int) *rand.Rand

	// Named returns a deterministic stream for a named operation
	Named(seed int64, name string) *rand.Rand
}
