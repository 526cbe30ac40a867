// Package model defines the contract between the training loop and a
// recognition network. Networks are resolved by name through a registry.
package model

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Parameter is a named trainable tensor with its gradient buffer
type Parameter struct {
	Name         string
	Shape        []int
	Data         []float32
	Grad         []float32
	RequiresGrad bool
}

// NewParameter allocates a zeroed parameter that requires gradients
func NewParameter(name string, shape ...int) *Parameter {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Parameter{
		Name:         name,
		Shape:        append([]int(nil), shape...),
		Data:         make([]float32, n),
		Grad:         make([]float32, n),
		RequiresGrad: true,
	}
}

// NumElements is the number of scalar values
func (p *Parameter) NumElements() int {
	return len(p.Data)
}

// ZeroGrad clears the gradient buffer
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Input is a batch as seen by a model: a float32 tensor of shape
// (N, C, T, V, M).
type Input interface {
	Tensor() *tensors.Tensor
}

// Output is what a forward pass produces. It is either Scores or
// ScoresWithAux; callers branch on the concrete type.
type Output interface {
	Logits() [][]float32
}

// Scores holds one row of class scores per sample
type Scores [][]float32

// Logits returns the score rows
func (s Scores) Logits() [][]float32 { return s }

// ScoresWithAux is returned by networks with an auxiliary regularization
// term; its mean is added to the classification loss.
type ScoresWithAux struct {
	Scores Scores
	Aux    []float32
}

// Logits returns the score rows
func (s ScoresWithAux) Logits() [][]float32 { return s.Scores }

// AuxMean is the mean of the auxiliary term
func (s ScoresWithAux) AuxMean() float64 {
	if len(s.Aux) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.Aux {
		sum += float64(v)
	}
	return sum / float64(len(s.Aux))
}

// Model is a trainable recognition network.
type Model interface {
	// Forward scores a batch. keepProb is nil in inference mode.
	Forward(in Input, keepProb *float64) (Output, error)
	// Backward accumulates parameter gradients for the last Forward, given the
	// loss gradient w.r.t. the scores and the loss weight of the aux mean.
	Backward(gradScores [][]float32, gradAux float64) error
	// Parameters lists every parameter in a stable order
	Parameters() []*Parameter
	// SetTraining toggles training-only behaviour
	SetTraining(training bool)
}

// DecoupleTag marks parameters that the partial-freeze policy toggles
const DecoupleTag = "DecoupleA"

// IsDecouple reports whether a parameter belongs to the decoupled subset
func IsDecouple(p *Parameter) bool {
	return strings.Contains(p.Name, DecoupleTag)
}

// CountParameters returns total and trainable scalar counts
func CountParameters(params []*Parameter) (total, trainable int) {
	for _, p := range params {
		total += p.NumElements()
		if p.RequiresGrad {
			trainable += p.NumElements()
		}
	}
	return total, trainable
}
