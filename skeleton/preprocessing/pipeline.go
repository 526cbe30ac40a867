package preprocessing

import (
	"math/rand"

	"github.com/irvl/slgt-go/skeleton"
)

// Pipeline turns a stored sample into a model input. Stages run as:
// infinity cleanup, stream derivation, temporal sampling, augmentation.
type Pipeline struct {
	Streams   StreamDeriver
	Sampler   SequenceSampler
	Augmenter Augmenter
}

// Run processes a copy of src; src itself is left untouched.
func (p *Pipeline) Run(src *skeleton.Sample, rng *rand.Rand) (*skeleton.Sample, error) {
	s := src.Clone()
	s.ZeroInf()

	s, err := p.Streams.Derive(s)
	if err != nil {
		return nil, err
	}
	if s, err = p.Sampler.Sample(s, rng); err != nil {
		return nil, err
	}
	if err := p.Augmenter.Apply(s, rng); err != nil {
		return nil, err
	}
	return s, nil
}
