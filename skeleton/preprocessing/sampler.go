package preprocessing

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/skeleton"
)

// ErrNoRNG is returned when random sampling is requested without a source
var ErrNoRNG = errors.New("random sampling needs a random source")

// SampleMode selects how the temporal window is drawn
type SampleMode int

const (
	// Uniform picks evenly spaced frames; deterministic.
	Uniform SampleMode = iota
	// Random picks a sorted random multiset of frames on every call.
	Random
)

func (m SampleMode) String() string {
	switch m {
	case Uniform:
		return "uniform"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// SequenceSampler resamples the time axis to exactly Window frames.
// A non-positive Window disables resampling.
type SequenceSampler struct {
	Window int
	Mode   SampleMode
}

// UniformIndices returns size frame indices evenly spaced across [0, tIn).
// When tIn < size the indices repeat, so the result always has length size.
func UniformIndices(tIn, size int) []int {
	idx := make([]int, size)
	if tIn <= 0 {
		return idx
	}
	if tIn == size {
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	interval := float64(tIn) / float64(size)
	for i := range idx {
		idx[i] = int(float64(i) * interval)
	}
	return idx
}

// RandomIndices draws size indices without replacement from [0, tIn) repeated
// ceil(size/tIn) times, then sorts them so temporal order is kept.
func RandomIndices(tIn, size int, rng *rand.Rand) []int {
	if tIn <= 0 {
		return make([]int, size)
	}
	if tIn == size {
		return UniformIndices(tIn, size)
	}
	repeat := int(math.Ceil(float64(size) / float64(tIn)))
	pool := make([]int, 0, tIn*repeat)
	for r := 0; r < repeat; r++ {
		for t := 0; t < tIn; t++ {
			pool = append(pool, t)
		}
	}
	// partial Fisher-Yates over the pool
	for i := 0; i < size; i++ {
		j := i + rng.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	idx := pool[:size]
	sort.Ints(idx)
	return idx
}

// Sample returns a new sample whose time axis has exactly s.Window frames.
// An empty input yields an all-zero window. Random mode requires rng.
func (s SequenceSampler) Sample(in *skeleton.Sample, rng *rand.Rand) (*skeleton.Sample, error) {
	if s.Window <= 0 {
		return in, nil
	}
	if s.Mode == Random && rng == nil {
		return nil, ErrNoRNG
	}
	if in.T == 0 {
		return skeleton.NewSample(in.C, s.Window, in.V, in.M), nil
	}
	idx := UniformIndices(in.T, s.Window)
	if s.Mode == Random {
		idx = RandomIndices(in.T, s.Window, rng)
	}
	return GatherFrames(in, idx), nil
}

// GatherFrames builds a sample from the listed frames of in, in order.
func GatherFrames(in *skeleton.Sample, idx []int) *skeleton.Sample {
	out := skeleton.NewSample(in.C, len(idx), in.V, in.M)
	for c := 0; c < in.C; c++ {
		for t, src := range idx {
			copy(out.Frame(c, t), in.Frame(c, src))
		}
	}
	return out
}
