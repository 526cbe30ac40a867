package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/irvl/slgt-go/model"
	"github.com/irvl/slgt-go/optimizer"
	"github.com/irvl/slgt-go/skeleton/dataloader"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	NumEpoch       int
	StartEpoch     int
	BaseLR         float64
	Scheduler      LRScheduler
	KeepRate       float64 // final keep probability handed to the model
	OnlyTrainEpoch int     // decoupled parameters are frozen before this epoch
	OnlyTrainPart  bool    // apply the partial-freeze policy at all
	LogInterval    int     // log a batch line every N global steps
	SaveInterval   int     // periodic checkpoint + evaluation every N epochs
	EvalInterval   int     // extra evaluations every N epochs (0 = only on save epochs)
}

// DefaultTrainingConfig returns the defaults of the experiment CLI
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		NumEpoch:      80,
		BaseLR:        0.01,
		Scheduler:     NewMultiStepLRScheduler([]int{20, 40, 60}, 0.1),
		KeepRate:      0.9,
		OnlyTrainPart: true,
		LogInterval:   100,
		SaveInterval:  1,
	}
}

// Validate rejects configurations the loop cannot run
func (c TrainingConfig) Validate() error {
	if c.NumEpoch <= 0 {
		return errors.Errorf("num_epoch must be positive, got %d", c.NumEpoch)
	}
	if c.StartEpoch < 0 || c.StartEpoch > c.NumEpoch {
		return errors.Errorf("start_epoch %d outside [0, %d]", c.StartEpoch, c.NumEpoch)
	}
	if c.BaseLR <= 0 {
		return errors.Errorf("base_lr must be positive, got %f", c.BaseLR)
	}
	if c.KeepRate <= 0 || c.KeepRate > 1 {
		return errors.Errorf("keep_rate must be in (0, 1], got %f", c.KeepRate)
	}
	if c.LogInterval <= 0 {
		return errors.Errorf("log_interval must be positive, got %d", c.LogInterval)
	}
	if c.SaveInterval <= 0 {
		return errors.Errorf("save_interval must be positive, got %d", c.SaveInterval)
	}
	if c.EvalInterval < 0 {
		return errors.Errorf("eval_interval cannot be negative, got %d", c.EvalInterval)
	}
	if c.Scheduler == nil {
		return errors.New("lr scheduler cannot be nil")
	}
	return nil
}

// EpochStats summarizes one training epoch
type EpochStats struct {
	Epoch    int
	LR       float64
	KeepProb float64
	MeanLoss float64
	Batches  int
	Timer    map[string]time.Duration // dataloader, model, statistics
	Eval     *EvalResult              // nil when the epoch was not evaluated
	Improved bool
}

// Trainer drives the epoch loop: schedule, freeze policy, optimization,
// periodic checkpoints, evaluation and best-model tracking
type Trainer struct {
	config    TrainingConfig
	model     model.Model
	optimizer optimizer.Optimizer
	criterion Loss
	loader    *dataloader.Loader
	evaluator *Evaluator
	manager   *CheckpointManager
	log       *RunLog
	fsm       StateMachine

	globalStep int
	lr         float64
	history    []EpochStats
	stopped    bool

	// Progress receives the batch progress bar; nil disables it
	Progress io.Writer
}

// NewTrainer creates a new Trainer
func NewTrainer(config TrainingConfig, m model.Model, opt optimizer.Optimizer, loader *dataloader.Loader,
	evaluator *Evaluator, manager *CheckpointManager, log *RunLog) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid training config")
	}
	if m == nil || opt == nil || loader == nil || evaluator == nil || manager == nil || log == nil {
		return nil, errors.New("trainer dependencies cannot be nil")
	}
	t := &Trainer{
		config:    config,
		model:     m,
		optimizer: opt,
		criterion: NewCrossEntropyLoss("mean"),
		loader:    loader,
		evaluator: evaluator,
		manager:   manager,
		log:       log,
		lr:        config.BaseLR,
	}
	t.fsm.OnTransition = func(from, to LoopState) {
		klog.V(2).InfoS("Loop state", "from", from, "to", to)
	}
	return t, nil
}

// State is the current loop state
func (t *Trainer) State() LoopState { return t.fsm.State() }

// GlobalStep counts optimization steps, including those of epochs before
// StartEpoch
func (t *Trainer) GlobalStep() int { return t.globalStep }

// LR is the learning rate of the current epoch
func (t *Trainer) LR() float64 { return t.lr }

// History returns the stats of every finished epoch
func (t *Trainer) History() []EpochStats { return t.history }

// Stopped reports whether the last Train call ended early on cancellation
func (t *Trainer) Stopped() bool { return t.stopped }

// SaveEpoch reports whether the epoch writes a periodic checkpoint and is
// evaluated
func (t *Trainer) SaveEpoch(epoch int) bool {
	return (epoch+1)%t.config.SaveInterval == 0 || epoch+1 == t.config.NumEpoch
}

// EvalEpoch reports whether the epoch is evaluated
func (t *Trainer) EvalEpoch(epoch int) bool {
	if t.SaveEpoch(epoch) {
		return true
	}
	return t.config.EvalInterval > 0 && (epoch+1)%t.config.EvalInterval == 0
}

// Train runs epochs StartEpoch..NumEpoch-1. Cancellation of ctx is honoured
// between epochs only; a running epoch and its checkpoint writes always
// complete. A cancelled run is a clean stop: Train returns nil and Stopped
// reports true.
func (t *Trainer) Train(ctx context.Context) error {
	t.globalStep = t.config.StartEpoch * t.loader.NumBatches()
	t.stopped = false
	work := context.WithoutCancel(ctx)

	for epoch := t.config.StartEpoch; epoch < t.config.NumEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			t.log.Printf("Stopping before epoch %d: %v", epoch+1, err)
			if terr := t.fsm.Transition(Done); terr != nil {
				return terr
			}
			t.stopped = true
			return nil
		}

		if err := t.fsm.Transition(EpochRunning); err != nil {
			return err
		}
		stats, err := t.TrainEpoch(work, epoch)
		if err != nil {
			return errors.Wrapf(err, "training epoch %d failed", epoch+1)
		}

		if t.SaveEpoch(epoch) {
			if _, err := t.manager.SavePeriodicCheckpoint(epoch, t.snapshot()); err != nil {
				return err
			}
		}
		if t.EvalEpoch(epoch) {
			if err := t.fsm.Transition(Evaluating); err != nil {
				return err
			}
			res, err := t.evaluator.Evaluate(work, epoch, EvalOptions{})
			if err != nil {
				return errors.Wrapf(err, "evaluation of epoch %d failed", epoch+1)
			}
			stats.Eval = res
			stats.Improved, err = t.manager.Observe(res, t.evaluator.Loader.Dataset().SampleNames(), t.snapshot())
			if err != nil {
				return err
			}
			if stats.Improved {
				if err := t.fsm.Transition(Checkpointed); err != nil {
					return err
				}
			}
		}
		t.history = append(t.history, stats)
	}

	if err := t.fsm.Transition(Done); err != nil {
		return err
	}
	t.log.Printf("%s, model_name: %s", t.manager.Best(), t.evaluator.ModelName)
	return nil
}

// TrainEpoch runs one pass over the training split
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int) (EpochStats, error) {
	t.model.SetTraining(true)
	t.log.Printf("Training epoch: %d", epoch+1)

	t.lr = t.config.Scheduler.GetLR(epoch, t.globalStep, t.config.BaseLR)
	t.optimizer.UpdateLearningRate(float32(t.lr))
	keepProb := KeepProb(epoch, t.config.KeepRate)
	t.applyFreeze(epoch)

	stats := EpochStats{
		Epoch:    epoch,
		LR:       t.lr,
		KeepProb: keepProb,
		Timer:    map[string]time.Duration{"dataloader": 0, "model": 0, "statistics": 0},
	}
	mark := time.Now()
	split := func() time.Duration {
		now := time.Now()
		d := now.Sub(mark)
		mark = now
		return d
	}

	numBatches := t.loader.NumBatches()
	bar := NewProgressBar(t.Progress, "Train", numBatches)
	var losses []float64

	it := t.loader.Iterate(ctx, epoch)
	defer it.Close()
	for batchIdx := 0; ; batchIdx++ {
		batch, ok := it.Next()
		if !ok {
			break
		}
		t.globalStep++
		stats.Timer["dataloader"] += split()

		loss, err := t.step(batch, keepProb)
		if err != nil {
			return stats, errors.Wrapf(err, "batch %d", batchIdx)
		}
		losses = append(losses, loss)
		stats.Timer["model"] += split()

		if t.globalStep%t.config.LogInterval == 0 {
			t.log.Printf("\tBatch(%d/%d) done. Loss: %.4f  lr:%.6f", batchIdx, numBatches, loss, t.lr)
		}
		bar.Update(batchIdx+1, map[string]float64{"loss": loss})
		stats.Timer["statistics"] += split()
	}
	if err := it.Err(); err != nil {
		return stats, errors.Wrap(err, "training data loading failed")
	}
	bar.Finish()

	stats.Batches = len(losses)
	stats.MeanLoss = mean(losses)
	t.log.Printf("\tMean training loss: %.4f.", stats.MeanLoss)
	t.log.Printf("\tTime consumption: [Data]%s, [Network]%s", proportion(stats.Timer, "dataloader"), proportion(stats.Timer, "model"))
	return stats, nil
}

// step runs forward, loss, backward and one optimizer update. An auxiliary
// term returned by the model is averaged and added to the loss.
func (t *Trainer) step(batch *dataloader.Batch, keepProb float64) (float64, error) {
	out, err := t.model.Forward(batch, &keepProb)
	if err != nil {
		return 0, errors.Wrap(err, "forward")
	}
	logits := out.Logits()
	loss, err := t.criterion.Forward(logits, batch.Labels)
	if err != nil {
		return 0, err
	}
	gradAux := 0.0
	switch o := out.(type) {
	case model.ScoresWithAux:
		loss += o.AuxMean()
		gradAux = 1
	case *model.ScoresWithAux:
		loss += o.AuxMean()
		gradAux = 1
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, errors.Errorf("loss is %v", loss)
	}

	grad, err := t.criterion.Backward(logits, batch.Labels)
	if err != nil {
		return 0, err
	}
	t.optimizer.ZeroGrad()
	if err := t.model.Backward(grad, gradAux); err != nil {
		return 0, errors.Wrap(err, "backward")
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, errors.Wrap(err, "optimizer step")
	}
	return loss, nil
}

// applyFreeze sets RequiresGrad on every decoupled parameter from the epoch
// alone, so it is safe to repeat at the start of every epoch
func (t *Trainer) applyFreeze(epoch int) {
	if !t.config.OnlyTrainPart {
		return
	}
	enabled := epoch >= t.config.OnlyTrainEpoch
	var names []string
	for _, p := range t.model.Parameters() {
		if model.IsDecouple(p) {
			p.RequiresGrad = enabled
			names = append(names, p.Name)
		}
	}
	klog.V(1).InfoS("Partial freeze", "epoch", epoch, "requiresGrad", enabled, "params", names)
}

func (t *Trainer) snapshot() Snapshot {
	return Snapshot{
		Params:     t.model.Parameters(),
		Optimizer:  t.optimizer,
		LR:         t.lr,
		GlobalStep: t.globalStep,
	}
}

// proportion renders one timer bucket as a share of the whole epoch
func proportion(timer map[string]time.Duration, key string) string {
	var total time.Duration
	for _, d := range timer {
		total += d
	}
	if total <= 0 {
		return "00%"
	}
	pct := int(math.Round(float64(timer[key]) * 100 / float64(total)))
	return fmt.Sprintf("%02d%%", pct)
}
