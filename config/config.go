// Package config loads the YAML experiment description and resolves it into
// the plain values the training processor runs on.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/irvl/slgt-go/checkpoints"
	"github.com/irvl/slgt-go/model"
	"github.com/irvl/slgt-go/optimizer"
	"github.com/irvl/slgt-go/skeleton/dataset"
	"github.com/irvl/slgt-go/training"
)

// SnapshotName is the file the resolved configuration is written to inside
// the work directory
const SnapshotName = "config.yaml"

// Config is one experiment. Keys follow the experiment YAML files; unknown
// keys are rejected on load.
type Config struct {
	ExperimentName string `yaml:"Experiment_name"`
	WorkDir        string `yaml:"work_dir"`
	Phase          string `yaml:"phase"`
	Dataset        string `yaml:"dataset"`
	DataRoot       string `yaml:"data_root"`

	Feeder          string               `yaml:"feeder"`
	TrainFeederArgs dataset.FeederConfig `yaml:"train_feeder_args"`
	TestFeederArgs  dataset.FeederConfig `yaml:"test_feeder_args"`
	NumWorker       int                  `yaml:"num_worker"`

	Model         string                 `yaml:"model"`
	ModelArgs     map[string]interface{} `yaml:"model_args"`
	Weights       string                 `yaml:"weights"`
	IgnoreWeights []string               `yaml:"ignore_weights"`

	Optimizer   string  `yaml:"optimizer"`
	BaseLR      float64 `yaml:"base_lr"`
	LRScheduler string  `yaml:"lr_scheduler"`
	Step        []int   `yaml:"step"`
	WarmUpEpoch int     `yaml:"warm_up_epoch"`
	Momentum    float64 `yaml:"momentum"`
	Nesterov    bool    `yaml:"nesterov"`
	WeightDecay float64 `yaml:"weight_decay"`

	BatchSize      int     `yaml:"batch_size"`
	TestBatchSize  int     `yaml:"test_batch_size"`
	StartEpoch     int     `yaml:"start_epoch"`
	NumEpoch       int     `yaml:"num_epoch"`
	KeepRate       float64 `yaml:"keep_rate"`
	OnlyTrainEpoch int     `yaml:"only_train_epoch"`
	OnlyTrainPart  bool    `yaml:"only_train_part"`
	Seed           int64   `yaml:"seed"`

	LogInterval  int   `yaml:"log_interval"`
	SaveInterval int   `yaml:"save_interval"`
	EvalInterval int   `yaml:"eval_interval"`
	PrintLog     bool  `yaml:"print_log"`
	ShowTopK     []int `yaml:"show_topk"`

	CheckpointFormat string `yaml:"checkpoint_format"`
	KeepCheckpoints  int    `yaml:"keep_checkpoints"`
	KeepEpochScores  int    `yaml:"keep_epoch_scores"`
}

// datasetClasses is the class count of every supported dataset
var datasetClasses = map[string]int{
	"WLASL100":  100,
	"WLASL300":  300,
	"WLASL1000": 1000,
	"WLASL2000": 2000,
	"AUTSL":     226,
	"SLR500":    500,
}

// Default returns the defaults of the experiment CLI
func Default() *Config {
	return &Config{
		ExperimentName:   "temp",
		Phase:            training.PhaseTrain,
		Dataset:          "WLASL2000",
		DataRoot:         "data",
		Feeder:           "feeder",
		TrainFeederArgs:  dataset.DefaultFeederConfig(),
		TestFeederArgs:   dataset.DefaultFeederConfig(),
		NumWorker:        32,
		ModelArgs:        map[string]interface{}{},
		Optimizer:        "SGD",
		BaseLR:           0.01,
		LRScheduler:      "multistep",
		Step:             []int{20, 40, 60},
		Momentum:         0.9,
		WeightDecay:      0.0005,
		BatchSize:        256,
		TestBatchSize:    256,
		NumEpoch:         80,
		KeepRate:         0.9,
		OnlyTrainPart:    true,
		Seed:             1,
		LogInterval:      10000,
		SaveInterval:     5,
		EvalInterval:     5,
		PrintLog:         true,
		ShowTopK:         []int{1, 5},
		CheckpointFormat: "json",
	}
}

// Load reads path over the defaults. An empty file yields the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open config %s", path)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a YAML experiment from r over the defaults
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Resolve fills in every derived value: work directory layout, data paths
// of both splits and the feeders' class count
func (c *Config) Resolve() {
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join("work_dir", c.ExperimentName)
	}
	dataDir := filepath.Join(c.DataRoot, c.Dataset)
	if c.TrainFeederArgs.DataPath == "" {
		c.TrainFeederArgs.DataPath = filepath.Join(dataDir, "train_data_joint.npy")
	}
	if c.TrainFeederArgs.LabelPath == "" {
		c.TrainFeederArgs.LabelPath = filepath.Join(dataDir, "train_label.json")
	}
	if c.TestFeederArgs.DataPath == "" {
		c.TestFeederArgs.DataPath = filepath.Join(dataDir, "val_data_joint.npy")
	}
	if c.TestFeederArgs.LabelPath == "" {
		c.TestFeederArgs.LabelPath = filepath.Join(dataDir, "val_label.json")
	}
	if n := model.Args(c.ModelArgs).Int("num_class", 0); n > 0 {
		c.TrainFeederArgs.NumClass = n
		c.TestFeederArgs.NumClass = n
	}
}

// ModelDir holds periodic and best checkpoints
func (c *Config) ModelDir() string {
	return filepath.Join(c.WorkDir, "save_models")
}

// ResultsDir holds the per-evaluation score artifacts
func (c *Config) ResultsDir() string {
	return filepath.Join(c.WorkDir, "eval_results")
}

// Validate rejects experiments that cannot run. Call after Resolve.
func (c *Config) Validate() error {
	if c.Phase != training.PhaseTrain && c.Phase != training.PhaseTest {
		return errors.Errorf("phase must be train or test, got %q", c.Phase)
	}
	if _, ok := datasetClasses[c.Dataset]; !ok {
		return errors.Errorf("unknown dataset %q", c.Dataset)
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	n := model.Args(c.ModelArgs).Int("num_class", 0)
	if n <= 0 {
		return errors.New("model_args.num_class is required")
	}
	if want := datasetClasses[c.Dataset]; n != want {
		return errors.Errorf("model_args.num_class is %d, dataset %s has %d classes", n, c.Dataset, want)
	}
	if c.Phase == training.PhaseTest && c.Weights == "" {
		return errors.New("test phase requires weights")
	}
	if c.BatchSize <= 0 || c.TestBatchSize <= 0 {
		return errors.Errorf("batch sizes must be positive, got %d and %d", c.BatchSize, c.TestBatchSize)
	}
	if c.NumWorker <= 0 {
		return errors.Errorf("num_worker must be positive, got %d", c.NumWorker)
	}
	if c.WarmUpEpoch < 0 {
		return errors.Errorf("warm_up_epoch cannot be negative, got %d", c.WarmUpEpoch)
	}
	for _, k := range c.ShowTopK {
		if k <= 0 {
			return errors.Errorf("show_topk entries must be positive, got %d", k)
		}
	}
	if c.KeepCheckpoints < 0 || c.KeepEpochScores < 0 {
		return errors.New("retention counts cannot be negative")
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return err
	}
	if _, err := training.NewScheduler(c.LRScheduler, c.Step, c.WarmUpEpoch, c.NumEpoch); err != nil {
		return err
	}
	switch strings.ToLower(c.Optimizer) {
	case "sgd", "adamw":
	default:
		return errors.Wrapf(optimizer.ErrUnknownOptimizer, "%q", c.Optimizer)
	}
	return c.trainingConfig(nil).Validate()
}

func (c *Config) trainingConfig(s training.LRScheduler) training.TrainingConfig {
	if s == nil {
		s = &training.NoOpScheduler{}
	}
	return training.TrainingConfig{
		NumEpoch:       c.NumEpoch,
		StartEpoch:     c.StartEpoch,
		BaseLR:         c.BaseLR,
		Scheduler:      s,
		KeepRate:       c.KeepRate,
		OnlyTrainEpoch: c.OnlyTrainEpoch,
		OnlyTrainPart:  c.OnlyTrainPart,
		LogInterval:    c.LogInterval,
		SaveInterval:   c.SaveInterval,
		EvalInterval:   c.EvalInterval,
	}
}

// ToProcessor converts a resolved, validated experiment into the processor
// configuration. runID is stamped into checkpoint metadata.
func (c *Config) ToProcessor(runID string) (training.ProcessorConfig, error) {
	format, err := checkpoints.ParseFormat(c.CheckpointFormat)
	if err != nil {
		return training.ProcessorConfig{}, err
	}
	sched, err := training.NewScheduler(c.LRScheduler, c.Step, c.WarmUpEpoch, c.NumEpoch)
	if err != nil {
		return training.ProcessorConfig{}, err
	}
	dump, err := yaml.Marshal(c)
	if err != nil {
		return training.ProcessorConfig{}, errors.Wrap(err, "failed to encode config")
	}

	return training.ProcessorConfig{
		Phase:         c.Phase,
		WorkDir:       c.WorkDir,
		Feeder:        c.Feeder,
		TrainFeeder:   c.TrainFeederArgs,
		TestFeeder:    c.TestFeederArgs,
		Model:         c.Model,
		ModelArgs:     model.Args(c.ModelArgs),
		Weights:       c.Weights,
		IgnoreWeights: c.IgnoreWeights,
		Optimizer:     c.Optimizer,
		OptimizerConfig: optimizer.Config{
			Momentum:    float32(c.Momentum),
			WeightDecay: float32(c.WeightDecay),
			Nesterov:    c.Nesterov,
		},
		BatchSize:     c.BatchSize,
		TestBatchSize: c.TestBatchSize,
		NumWorker:     c.NumWorker,
		Seed:          c.Seed,
		Training:      c.trainingConfig(sched),
		Checkpoint: training.CheckpointConfig{
			ModelDir:        c.ModelDir(),
			ResultsDir:      c.ResultsDir(),
			Format:          format,
			KeepCheckpoints: c.KeepCheckpoints,
			KeepEpochScores: c.KeepEpochScores,
			RunID:           runID,
		},
		ShowTopK:   c.ShowTopK,
		PrintLog:   c.PrintLog,
		ParamsDump: string(dump),
	}, nil
}

// WriteSnapshot stores the resolved configuration in the work directory
func (c *Config) WriteSnapshot() (string, error) {
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", c.WorkDir)
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode config")
	}
	path := filepath.Join(c.WorkDir, SnapshotName)
	return path, errors.Wrapf(checkpoints.WriteFileAtomic(path, raw), "failed to write %s", path)
}
