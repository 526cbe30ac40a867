package skeleton

import "math/rand"

// SeedContext derives independent random streams from one experiment seed.
// Components receive their own *rand.Rand instead of sharing global state.
type SeedContext struct {
	Seed int64
}

// NewSeedContext creates a seed context
func NewSeedContext(seed int64) SeedContext {
	return SeedContext{Seed: seed}
}

// Worker returns the stream for a data-loading worker in a given epoch.
func (s SeedContext) Worker(epoch, worker int) *rand.Rand {
	return rand.New(rand.NewSource(s.Seed + int64(epoch)*10000 + int64(worker)))
}

// Shuffle returns the stream used to order samples in a given epoch.
func (s SeedContext) Shuffle(epoch int) *rand.Rand {
	return rand.New(rand.NewSource(s.Seed*7919 + int64(epoch)))
}

// Model returns the stream a model uses for its stochastic layers.
func (s SeedContext) Model() *rand.Rand {
	return rand.New(rand.NewSource(s.Seed ^ 0x5eed))
}
