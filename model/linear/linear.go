// Package linear is a baseline skeleton classifier: joints are averaged over
// time and persons, scaled by a learnable per-joint gate and fed to a single
// fully connected layer. Its gate is tagged as a decoupled parameter so the
// partial-freeze policy applies to it.
package linear

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/model"
	"github.com/irvl/slgt-go/skeleton"
)

func init() {
	model.MustRegister("linear", func(args model.Args, seed skeleton.SeedContext) (model.Model, error) {
		return New(Config{
			NumClass:   args.Int("num_class", 0),
			InChannels: args.Int("in_channels", skeleton.NumChannels),
			NumPoint:   args.Int("num_point", skeleton.NumJoints),
			AuxWeight:  args.Float("aux_weight", 0),
		}, seed.Model())
	})
}

// Config holds the model arguments
type Config struct {
	NumClass   int
	InChannels int
	NumPoint   int
	AuxWeight  float64 // weight of the gate penalty; 0 returns plain scores
}

// Model implements model.Model
type Model struct {
	cfg    Config
	weight *model.Parameter // (NumClass, C*V)
	bias   *model.Parameter // (NumClass)
	gate   *model.Parameter // (C, V)

	rng      *rand.Rand
	training bool

	// activations of the last forward pass
	pooled [][]float32
	masks  [][]float32 // per joint: 0 when dropped, 1/keep otherwise
	feats  [][]float32
}

// New builds a model with small random weights
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if cfg.NumClass <= 0 {
		return nil, errors.Errorf("num_class must be positive, got %d", cfg.NumClass)
	}
	if cfg.InChannels <= 0 || cfg.NumPoint <= 0 {
		return nil, errors.Errorf("invalid input layout: %d channels, %d joints", cfg.InChannels, cfg.NumPoint)
	}
	features := cfg.InChannels * cfg.NumPoint
	m := &Model{
		cfg:    cfg,
		weight: model.NewParameter("fc.weight", cfg.NumClass, features),
		bias:   model.NewParameter("fc.bias", cfg.NumClass),
		gate:   model.NewParameter("gate."+model.DecoupleTag, cfg.InChannels, cfg.NumPoint),
		rng:    rng,
	}
	std := math.Sqrt(2.0 / float64(features+cfg.NumClass))
	for i := range m.weight.Data {
		m.weight.Data[i] = float32(rng.NormFloat64() * std)
	}
	for i := range m.gate.Data {
		m.gate.Data[i] = 1
	}
	return m, nil
}

// Parameters implements model.Model
func (m *Model) Parameters() []*model.Parameter {
	return []*model.Parameter{m.weight, m.bias, m.gate}
}

// SetTraining implements model.Model
func (m *Model) SetTraining(training bool) {
	m.training = training
}

// Forward implements model.Model
func (m *Model) Forward(in model.Input, keepProb *float64) (model.Output, error) {
	x := in.Tensor()
	dims := x.Shape().Dimensions
	if len(dims) != 5 {
		return nil, errors.Errorf("expected (N, C, T, V, M) input, got %v", dims)
	}
	n, c, t, v, p := dims[0], dims[1], dims[2], dims[3], dims[4]
	if c != m.cfg.InChannels || v != m.cfg.NumPoint {
		return nil, errors.Errorf("input has %d channels and %d joints, model expects %d and %d",
			c, v, m.cfg.InChannels, m.cfg.NumPoint)
	}

	var scores model.Scores
	tensors.ConstFlatData(x, func(data []float32) {
		scores = m.forward(data, n, c, t, v, p, keepProb)
	})

	if m.cfg.AuxWeight <= 0 {
		return scores, nil
	}
	penalty := float32(m.cfg.AuxWeight * m.gatePenalty())
	aux := make([]float32, n)
	for i := range aux {
		aux[i] = penalty
	}
	return model.ScoresWithAux{Scores: scores, Aux: aux}, nil
}

// forward pools, gates and scores the flat (N, C, T, V, M) batch and keeps
// the activations Backward needs
func (m *Model) forward(data []float32, n, c, t, v, p int, keepProb *float64) model.Scores {
	features := c * v
	m.pooled = make([][]float32, n)
	m.masks = make([][]float32, n)
	m.feats = make([][]float32, n)
	scores := make(model.Scores, n)
	drop := m.training && keepProb != nil && *keepProb < 1

	per := c * t * v * p
	for s := 0; s < n; s++ {
		x := data[s*per : (s+1)*per]
		pooled := make([]float32, features)
		if t*p > 0 {
			norm := 1 / float32(t*p)
			for ci := 0; ci < c; ci++ {
				for ti := 0; ti < t; ti++ {
					frame := x[(ci*t+ti)*v*p : (ci*t+ti+1)*v*p]
					for vi := 0; vi < v; vi++ {
						for pi := 0; pi < p; pi++ {
							pooled[ci*v+vi] += frame[vi*p+pi] * norm
						}
					}
				}
			}
		}

		mask := make([]float32, v)
		for vi := range mask {
			mask[vi] = 1
			if drop {
				if m.rng.Float64() >= *keepProb {
					mask[vi] = 0
				} else {
					mask[vi] = float32(1 / *keepProb)
				}
			}
		}

		feat := make([]float32, features)
		for i := range feat {
			feat[i] = m.gate.Data[i] * pooled[i] * mask[i%v]
		}

		row := make([]float32, m.cfg.NumClass)
		for k := range row {
			w := m.weight.Data[k*features : (k+1)*features]
			sum := m.bias.Data[k]
			for i, f := range feat {
				sum += w[i] * f
			}
			row[k] = sum
		}
		m.pooled[s], m.masks[s], m.feats[s], scores[s] = pooled, mask, feat, row
	}
	return scores
}

// gatePenalty is sum((gate-1)^2)
func (m *Model) gatePenalty() float64 {
	var sum float64
	for _, g := range m.gate.Data {
		d := float64(g) - 1
		sum += d * d
	}
	return sum
}

// Backward implements model.Model
func (m *Model) Backward(gradScores [][]float32, gradAux float64) error {
	if len(gradScores) != len(m.feats) {
		return errors.Errorf("gradient for %d samples, last forward had %d", len(gradScores), len(m.feats))
	}
	features := m.cfg.InChannels * m.cfg.NumPoint
	v := m.cfg.NumPoint
	for s, dS := range gradScores {
		feat := m.feats[s]
		dFeat := make([]float32, features)
		for k, g := range dS {
			if g == 0 {
				continue
			}
			w := m.weight.Data[k*features : (k+1)*features]
			if m.weight.RequiresGrad {
				dw := m.weight.Grad[k*features : (k+1)*features]
				for i, f := range feat {
					dw[i] += g * f
				}
			}
			if m.bias.RequiresGrad {
				m.bias.Grad[k] += g
			}
			for i := range dFeat {
				dFeat[i] += g * w[i]
			}
		}
		if m.gate.RequiresGrad {
			for i := range dFeat {
				m.gate.Grad[i] += dFeat[i] * m.pooled[s][i] * m.masks[s][i%v]
			}
		}
	}
	if m.gate.RequiresGrad && m.cfg.AuxWeight > 0 && gradAux != 0 {
		for i, g := range m.gate.Data {
			m.gate.Grad[i] += float32(gradAux * m.cfg.AuxWeight * 2 * (float64(g) - 1))
		}
	}
	return nil
}
