package training

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/irvl/slgt-go/checkpoints"
	"github.com/irvl/slgt-go/model"
	"github.com/irvl/slgt-go/optimizer"
	"github.com/irvl/slgt-go/skeleton"
	"github.com/irvl/slgt-go/skeleton/dataloader"
	"github.com/irvl/slgt-go/skeleton/dataset"
)

// Phases a processor can run
const (
	PhaseTrain = "train"
	PhaseTest  = "test"
)

// defaultTestEpoch is reported when the loaded checkpoint has no epoch
const defaultTestEpoch = 200

// ProcessorConfig is the fully resolved experiment: every path and
// hyperparameter the run needs, with no further defaulting
type ProcessorConfig struct {
	Phase   string
	WorkDir string

	Feeder      string
	TrainFeeder dataset.FeederConfig
	TestFeeder  dataset.FeederConfig

	Model     string
	ModelArgs model.Args

	Weights       string
	IgnoreWeights []string

	Optimizer       string
	OptimizerConfig optimizer.Config

	BatchSize     int
	TestBatchSize int
	NumWorker     int
	Seed          int64

	Training   TrainingConfig
	Checkpoint CheckpointConfig
	ShowTopK   []int
	PrintLog   bool
	ParamsDump string // logged at the start of training

	Console  io.Writer // run log mirror; nil discards
	Progress io.Writer // progress bars; nil disables
}

// Processor owns every component of one run
type Processor struct {
	cfg       ProcessorConfig
	log       *RunLog
	model     model.Model
	optimizer optimizer.Optimizer
	trainSet  dataset.Dataset
	testSet   dataset.Dataset
	evaluator *Evaluator
	manager   *CheckpointManager
	trainer   *Trainer
	testEpoch int
}

// NewProcessor builds datasets, loaders, model and optimizer and loads the
// configured weights. Partially built components are released on error.
func NewProcessor(cfg ProcessorConfig) (p *Processor, err error) {
	if cfg.Phase != PhaseTrain && cfg.Phase != PhaseTest {
		return nil, errors.Errorf("unknown phase %q", cfg.Phase)
	}
	if cfg.Phase == PhaseTest && cfg.Weights == "" {
		return nil, errors.New("test phase requires weights")
	}
	for _, dir := range []string{cfg.WorkDir, cfg.Checkpoint.ModelDir, cfg.Checkpoint.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create %s", dir)
		}
	}

	// the test phase never writes the run log file
	log, err := NewRunLog(cfg.WorkDir, cfg.PrintLog && cfg.Phase == PhaseTrain, cfg.Console, cfg.Checkpoint.RunID)
	if err != nil {
		return nil, err
	}
	p = &Processor{cfg: cfg, log: log, testEpoch: defaultTestEpoch}
	defer func() {
		if err != nil {
			p.Close()
			p = nil
		}
	}()

	seed := skeleton.NewSeedContext(cfg.Seed)
	if cfg.Phase == PhaseTrain {
		if p.trainSet, err = dataset.New(cfg.Feeder, cfg.TrainFeeder); err != nil {
			return p, errors.Wrap(err, "failed to load train split")
		}
	}
	if p.testSet, err = dataset.New(cfg.Feeder, cfg.TestFeeder); err != nil {
		return p, errors.Wrap(err, "failed to load test split")
	}

	if p.model, err = model.New(cfg.Model, cfg.ModelArgs, seed); err != nil {
		return p, err
	}
	p.manager = NewCheckpointManager(cfg.Checkpoint)

	var ckpt *checkpoints.Checkpoint
	if cfg.Weights != "" {
		if ckpt, err = p.loadWeights(); err != nil {
			return p, err
		}
	}
	optCfg := cfg.OptimizerConfig
	optCfg.LearningRate = float32(cfg.Training.BaseLR)
	if p.optimizer, err = optimizer.New(cfg.Optimizer, p.model.Parameters(), optCfg); err != nil {
		return p, err
	}
	if ckpt != nil && ckpt.Optimizer != nil {
		if lerr := p.optimizer.LoadState(ckpt.Optimizer); lerr != nil {
			p.log.Printf("Can not restore optimizer state: %v", lerr)
		}
	}

	testLoader, err := dataloader.New(p.testSet, dataloader.Config{
		BatchSize:  cfg.TestBatchSize,
		NumWorkers: cfg.NumWorker,
		Seed:       seed,
	})
	if err != nil {
		return p, err
	}
	p.evaluator = NewEvaluator(p.model, testLoader, p.log, cfg.ShowTopK)
	p.evaluator.ModelName = cfg.Checkpoint.ModelDir + string(filepath.Separator)
	p.evaluator.Progress = cfg.Progress

	if cfg.Phase == PhaseTrain {
		trainLoader, err := dataloader.New(p.trainSet, dataloader.Config{
			BatchSize:  cfg.BatchSize,
			NumWorkers: cfg.NumWorker,
			Shuffle:    true,
			DropLast:   true,
			Seed:       seed,
		})
		if err != nil {
			return p, err
		}
		if p.trainer, err = NewTrainer(cfg.Training, p.model, p.optimizer, trainLoader, p.evaluator, p.manager, p.log); err != nil {
			return p, err
		}
		p.trainer.Progress = cfg.Progress
	}
	return p, nil
}

// loadWeights applies the checkpoint at cfg.Weights to the model. Unmatched
// names are logged and skipped.
func (p *Processor) loadWeights() (*checkpoints.Checkpoint, error) {
	p.log.Printf("Load weights from %s.", p.cfg.Weights)
	ckpt, err := p.manager.LoadCheckpoint(p.cfg.Weights)
	if err != nil {
		return nil, err
	}

	report := checkpoints.LoadWeights(ckpt.Weights, p.model.Parameters(), p.cfg.IgnoreWeights)
	for _, name := range report.Removed {
		p.log.Printf("Successfully Remove Weights: %s.", name)
	}
	for _, name := range report.NotRemoved {
		p.log.Printf("Can Not Remove Weights: %s.", name)
	}
	if len(report.Missing) > 0 {
		p.log.Print("Can not find these weights:")
		for _, name := range report.Missing {
			p.log.Print("  " + name)
		}
	}
	for _, name := range report.ShapeMismatch {
		p.log.Printf("Shape mismatch, keeping initial values: %s.", name)
	}
	if len(report.Unexpected) > 0 {
		klog.InfoS("Checkpoint has weights the model does not use", "names", report.Unexpected)
	}

	p.manager.Restore(ckpt)
	if ckpt.Epoch != nil {
		p.testEpoch = *ckpt.Epoch
	}
	return ckpt, nil
}

// Best returns the best evaluation metrics so far
func (p *Processor) Best() BestMetrics {
	return p.manager.Best()
}

// Trainer is nil in the test phase
func (p *Processor) Trainer() *Trainer {
	return p.trainer
}

// Start runs the configured phase
func (p *Processor) Start(ctx context.Context) error {
	if p.cfg.Phase == PhaseTrain {
		if p.cfg.ParamsDump != "" {
			p.log.Printf("Parameters:\n%s\n", p.cfg.ParamsDump)
		}
		total, trainable := model.CountParameters(p.model.Parameters())
		klog.InfoS("Model built", "model", p.cfg.Model, "params", total, "trainable", trainable)
		if p.cfg.Progress != nil {
			NewParameterPrinter(p.cfg.Model).Print(p.cfg.Progress, p.model.Parameters())
		}
		return p.trainer.Train(ctx)
	}
	return p.test(ctx)
}

// test evaluates the loaded weights once. The prediction side files are
// skipped when the test split runs in debug mode.
func (p *Processor) test(ctx context.Context) error {
	var fsm StateMachine
	opts := EvalOptions{}
	if !p.cfg.TestFeeder.Debug {
		opts.WrongFile = filepath.Join(p.cfg.Checkpoint.ModelDir, "_wrong.txt")
		opts.ResultFile = filepath.Join(p.cfg.Checkpoint.ModelDir, "_right.txt")
	}

	p.log.Printf("Model:   %s.", p.cfg.Model)
	p.log.Printf("Weights: %s.", p.cfg.Weights)
	if err := fsm.Transition(Evaluating); err != nil {
		return err
	}
	res, err := p.evaluator.Evaluate(ctx, p.testEpoch, opts)
	if err != nil {
		return err
	}
	improved, err := p.manager.Observe(res, p.testSet.SampleNames(), Snapshot{
		Params:    p.model.Parameters(),
		Optimizer: p.optimizer,
		LR:        float64(p.optimizer.GetLearningRate()),
	})
	if err != nil {
		return err
	}
	if improved {
		if err := fsm.Transition(Checkpointed); err != nil {
			return err
		}
	}
	if err := fsm.Transition(Done); err != nil {
		return err
	}
	p.log.Print("Done.\n")
	p.log.Printf("%s, model_name: %s", p.manager.Best(), p.evaluator.ModelName)
	return nil
}

// Close releases the datasets and the run log
func (p *Processor) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if p.trainSet != nil {
		keep(p.trainSet.Close())
	}
	if p.testSet != nil {
		keep(p.testSet.Close())
	}
	if p.log != nil {
		keep(p.log.Close())
	}
	return first
}
