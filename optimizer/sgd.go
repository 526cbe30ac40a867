package optimizer

import (
	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/checkpoints"
	"github.com/irvl/slgt-go/model"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum,
// dampening, Nesterov momentum and L2 weight decay added to the gradient.
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	Dampening    float32
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	params []*model.Parameter

	// Momentum buffers, allocated on a parameter's first update
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	Dampening    float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns the configuration used for skeleton training
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.1,
		Momentum:     0.9,
		WeightDecay:  0.0001,
		Nesterov:     true,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*model.Parameter) (*SGDOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, errors.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, errors.New("nesterov momentum requires a momentum and zero dampening")
	}

	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		Dampening:       config.Dampening,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		params:          params,
		MomentumBuffers: make([][]float32, len(params)),
	}, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++

	for i, p := range sgd.params {
		if !p.RequiresGrad {
			continue
		}
		if len(p.Grad) != len(p.Data) {
			return errors.Errorf("gradient of %s has %d elements, weights have %d", p.Name, len(p.Grad), len(p.Data))
		}

		buf := sgd.MomentumBuffers[i]
		first := false
		if sgd.Momentum > 0 && buf == nil {
			buf = make([]float32, len(p.Data))
			sgd.MomentumBuffers[i] = buf
			first = true
		}

		for j, g := range p.Grad {
			d := g
			if sgd.WeightDecay != 0 {
				d += sgd.WeightDecay * p.Data[j]
			}
			if sgd.Momentum > 0 {
				if first {
					buf[j] = d
				} else {
					buf[j] = sgd.Momentum*buf[j] + (1-sgd.Dampening)*d
				}
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}
			p.Data[j] -= sgd.LearningRate * d
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients
func (sgd *SGDOptimizerState) ZeroGrad() {
	zeroGrads(sgd.params)
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// Name implements Optimizer
func (sgd *SGDOptimizerState) Name() string {
	return "SGD"
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)
	for i, buffer := range sgd.MomentumBuffers {
		if buffer != nil {
			stateData = append(stateData, extractBufferState(sgd.params[i], buffer, "momentum"))
		}
	}

	return &checkpoints.OptimizerState{
		Type: sgd.Name(),
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"dampening":     sgd.Dampening,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint. Buffers are matched to
// parameters by name; buffers of unknown parameters are skipped.
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType(sgd.Name(), state); err != nil {
		return err
	}

	// Restore hyperparameters
	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.Dampening = extractFloat32Param(state.Parameters, "dampening", sgd.Dampening)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	index := parameterIndex(sgd.params)
	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}
		i, ok := index[tensor.Name]
		if !ok {
			continue
		}
		buf, err := restoreBufferState(sgd.params[i], tensor)
		if err != nil {
			return err
		}
		sgd.MomentumBuffers[i] = buf
	}
	return nil
}
