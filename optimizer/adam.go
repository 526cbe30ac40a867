package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/checkpoints"
	"github.com/irvl/slgt-go/model"
)

// AdamWOptimizerState is Adam with decoupled weight decay. Bias correction
// uses a per-parameter step count, so a parameter that starts training late
// (a frozen gate) gets a fresh warm start.
type AdamWOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // Decoupled decay coefficient

	params []*model.Parameter

	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter
	paramSteps      []uint64

	// Step tracking
	StepCount uint64
}

// AdamWConfig holds configuration for AdamW optimizer
type AdamWConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamWConfig returns default AdamW optimizer configuration
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0005,
	}
}

// NewAdamWOptimizer creates a new AdamW optimizer over params
func NewAdamWOptimizer(config AdamWConfig, params []*model.Parameter) (*AdamWOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &AdamWOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		params:          params,
		MomentumBuffers: make([][]float32, len(params)),
		VarianceBuffers: make([][]float32, len(params)),
		paramSteps:      make([]uint64, len(params)),
	}, nil
}

// Step performs a single AdamW optimization step
func (adam *AdamWOptimizerState) Step() error {
	adam.StepCount++

	for i, p := range adam.params {
		if !p.RequiresGrad {
			continue
		}
		if len(p.Grad) != len(p.Data) {
			return errors.Errorf("gradient of %s has %d elements, weights have %d", p.Name, len(p.Grad), len(p.Data))
		}
		if adam.MomentumBuffers[i] == nil {
			adam.MomentumBuffers[i] = make([]float32, len(p.Data))
			adam.VarianceBuffers[i] = make([]float32, len(p.Data))
		}
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		adam.paramSteps[i]++
		step := float64(adam.paramSteps[i])

		bc1 := 1 - math.Pow(float64(adam.Beta1), step)
		bc2 := math.Sqrt(1 - math.Pow(float64(adam.Beta2), step))
		stepSize := float64(adam.LearningRate) / bc1
		decay := 1 - adam.LearningRate*adam.WeightDecay

		for j, g := range p.Grad {
			p.Data[j] *= decay
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			denom := math.Sqrt(float64(v[j]))/bc2 + float64(adam.Epsilon)
			p.Data[j] -= float32(stepSize * float64(m[j]) / denom)
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients
func (adam *AdamWOptimizerState) ZeroGrad() {
	zeroGrads(adam.params)
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamWOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamWOptimizerState) GetLearningRate() float32 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamWOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// Name implements Optimizer
func (adam *AdamWOptimizerState) Name() string {
	return "AdamW"
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamWOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 3*len(adam.params))
	for i, p := range adam.params {
		if adam.MomentumBuffers[i] == nil {
			continue
		}
		stateData = append(stateData,
			extractBufferState(p, adam.MomentumBuffers[i], "m"),
			extractBufferState(p, adam.VarianceBuffers[i], "v"),
			checkpoints.OptimizerTensor{
				Name:      p.Name,
				Shape:     []int{1},
				Data:      []float32{float32(adam.paramSteps[i])},
				StateType: "step",
			},
		)
	}

	return &checkpoints.OptimizerState{
		Type: adam.Name(),
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamWOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType(adam.Name(), state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	index := parameterIndex(adam.params)
	for _, tensor := range state.StateData {
		i, ok := index[tensor.Name]
		if !ok {
			continue
		}
		switch tensor.StateType {
		case "m", "v":
			buf, err := restoreBufferState(adam.params[i], tensor)
			if err != nil {
				return err
			}
			if tensor.StateType == "m" {
				adam.MomentumBuffers[i] = buf
			} else {
				adam.VarianceBuffers[i] = buf
			}
		case "step":
			if len(tensor.Data) != 1 {
				return errors.Errorf("step state of %s has %d values", tensor.Name, len(tensor.Data))
			}
			adam.paramSteps[i] = uint64(tensor.Data[0])
		}
	}
	for i := range adam.params {
		if (adam.MomentumBuffers[i] == nil) != (adam.VarianceBuffers[i] == nil) {
			return errors.Errorf("incomplete AdamW state for %s", adam.params[i].Name)
		}
	}
	return nil
}
