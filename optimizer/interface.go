package optimizer

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/checkpoints"
	"github.com/irvl/slgt-go/model"
)

// ErrUnknownOptimizer is returned by New for an unsupported optimizer name
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizer defines the common interface for all optimizers.
// Step consumes the gradients accumulated in each parameter's Grad; frozen
// parameters (RequiresGrad false) are left untouched.
type Optimizer interface {
	// Step performs a single optimization step
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float32

	// Name is the optimizer type as stored in checkpoints
	Name() string
}

// Config holds the hyperparameters of every supported optimizer. Fields that
// do not apply to the selected optimizer are ignored.
type Config struct {
	LearningRate float32
	Momentum     float32
	Dampening    float32
	WeightDecay  float32
	Nesterov     bool
	Beta1        float32
	Beta2        float32
	Epsilon      float32
}

// New builds the optimizer named kind ("SGD" or "AdamW", case-insensitive)
func New(kind string, params []*model.Parameter, config Config) (Optimizer, error) {
	switch strings.ToLower(kind) {
	case "sgd":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: config.LearningRate,
			Momentum:     config.Momentum,
			Dampening:    config.Dampening,
			WeightDecay:  config.WeightDecay,
			Nesterov:     config.Nesterov,
		}, params)
	case "adamw":
		adam := DefaultAdamWConfig()
		adam.LearningRate = config.LearningRate
		adam.WeightDecay = config.WeightDecay
		if config.Beta1 > 0 {
			adam.Beta1 = config.Beta1
		}
		if config.Beta2 > 0 {
			adam.Beta2 = config.Beta2
		}
		if config.Epsilon > 0 {
			adam.Epsilon = config.Epsilon
		}
		return NewAdamWOptimizer(adam, params)
	}
	return nil, errors.Wrapf(ErrUnknownOptimizer, "%q", kind)
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func zeroGrads(params []*model.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
