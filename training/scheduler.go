package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the epoch; the loop applies the result
// once at the start of every epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MultiStepLRScheduler multiplies the learning rate by Gamma once for every
// milestone epoch already reached
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

// NewMultiStepLRScheduler creates a milestone scheduler
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &MultiStepLRScheduler{
		Milestones: append([]int(nil), milestones...),
		Gamma:      gamma,
	}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	passed := 0
	for _, m := range s.Milestones {
		if epoch >= m {
			passed++
		}
	}
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// WarmupScheduler ramps the learning rate linearly to baseLR over the first
// WarmupEpochs epochs, then defers to Next
type WarmupScheduler struct {
	WarmupEpochs int
	Next         LRScheduler
}

func (s *WarmupScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch < s.WarmupEpochs {
		return baseLR * float64(epoch+1) / float64(s.WarmupEpochs)
	}
	return s.Next.GetLR(epoch, step, baseLR)
}

func (s *WarmupScheduler) GetName() string {
	return "Warmup+" + s.Next.GetName()
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler resolves a scheduler by name. "multistep" (the default)
// decays by 10x at every milestone in steps; "step" uses the first milestone
// as its period; "cosine" anneals over numEpoch. Every schedule is wrapped
// in a linear warmup when warmupEpochs > 0.
func NewScheduler(name string, steps []int, warmupEpochs, numEpoch int) (LRScheduler, error) {
	var s LRScheduler
	switch strings.ToLower(name) {
	case "", "multistep":
		s = NewMultiStepLRScheduler(steps, 0.1)
	case "step":
		size := 0
		if len(steps) > 0 {
			size = steps[0]
		}
		s = NewStepLRScheduler(size, 0.1)
	case "exponential":
		s = NewExponentialLRScheduler(0.95)
	case "cosine":
		s = NewCosineAnnealingLRScheduler(numEpoch, 0)
	case "constant":
		s = &NoOpScheduler{}
	default:
		return nil, errors.Errorf("unknown lr scheduler %q", name)
	}
	if warmupEpochs > 0 {
		s = &WarmupScheduler{WarmupEpochs: warmupEpochs, Next: s}
	}
	return s, nil
}

// KeepProb is the structural keep probability handed to the model: it falls
// linearly from 1 to keepRate over the first 100 epochs
func KeepProb(epoch int, keepRate float64) float64 {
	if epoch < 100 {
		return 1 - (1-keepRate)/100*float64(epoch)
	}
	return keepRate
}
