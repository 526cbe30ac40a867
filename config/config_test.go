package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irvl/slgt-go/checkpoints"
	"github.com/irvl/slgt-go/optimizer"
	"github.com/irvl/slgt-go/training"
)

func loadFixture(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(filepath.Join("testdata", "wlasl100.yaml"))
	require.NoError(t, err)
	return cfg
}

func TestDecodeEmptyYieldsDefaults(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesKeepFeederDefaults(t *testing.T) {
	cfg := loadFixture(t)

	assert.Equal(t, "wlasl100_joint", cfg.ExperimentName)
	assert.Equal(t, []int{150, 200}, cfg.Step)
	assert.Equal(t, 20, cfg.WarmUpEpoch)
	assert.Equal(t, 100, cfg.ModelArgs["num_class"])
	assert.Equal(t, 0.01, cfg.ModelArgs["aux_weight"])

	// keys the file omits keep their defaults
	assert.Equal(t, 120, cfg.TrainFeederArgs.WindowSize)
	assert.True(t, cfg.TrainFeederArgs.RandomMirror)
	assert.True(t, cfg.TrainFeederArgs.UseMmap)
	assert.Equal(t, 0.9, cfg.Momentum)
	assert.Equal(t, 5, cfg.EvalInterval)
	assert.True(t, cfg.PrintLog)
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	_, err := Decode(strings.NewReader("model: linear\nwandb: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wandb")

	_, err = Decode(strings.NewReader("train_feeder_args:\n  window: 3\n"))
	assert.Error(t, err)
}

func TestResolveDerivesLayout(t *testing.T) {
	cfg := loadFixture(t)
	cfg.Resolve()

	assert.Equal(t, filepath.Join("work_dir", "wlasl100_joint"), cfg.WorkDir)
	assert.Equal(t, filepath.Join("work_dir", "wlasl100_joint", "save_models"), cfg.ModelDir())
	assert.Equal(t, filepath.Join("work_dir", "wlasl100_joint", "eval_results"), cfg.ResultsDir())
	assert.Equal(t, filepath.Join("data", "WLASL100", "train_data_joint.npy"), cfg.TrainFeederArgs.DataPath)
	assert.Equal(t, filepath.Join("data", "WLASL100", "val_label.json"), cfg.TestFeederArgs.LabelPath)
	assert.Equal(t, 100, cfg.TrainFeederArgs.NumClass)
	assert.Equal(t, 100, cfg.TestFeederArgs.NumClass)

	// explicit values win
	cfg = loadFixture(t)
	cfg.WorkDir = "/tmp/run"
	cfg.TestFeederArgs.DataPath = "/data/val.npy"
	cfg.Resolve()
	assert.Equal(t, "/tmp/run", cfg.WorkDir)
	assert.Equal(t, "/data/val.npy", cfg.TestFeederArgs.DataPath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad phase", func(c *Config) { c.Phase = "deploy" }, "phase"},
		{"unknown dataset", func(c *Config) { c.Dataset = "ASL" }, "unknown dataset"},
		{"missing model", func(c *Config) { c.Model = "" }, "model is required"},
		{"missing num_class", func(c *Config) { delete(c.ModelArgs, "num_class") }, "num_class"},
		{"num_class mismatch", func(c *Config) { c.ModelArgs["num_class"] = 2000 }, "has 100 classes"},
		{"test without weights", func(c *Config) { c.Phase = training.PhaseTest }, "requires weights"},
		{"zero batch", func(c *Config) { c.TestBatchSize = 0 }, "batch sizes"},
		{"zero workers", func(c *Config) { c.NumWorker = 0 }, "num_worker"},
		{"bad topk", func(c *Config) { c.ShowTopK = []int{0} }, "show_topk"},
		{"negative retention", func(c *Config) { c.KeepCheckpoints = -1 }, "retention"},
		{"bad format", func(c *Config) { c.CheckpointFormat = "pickle" }, "pickle"},
		{"bad scheduler", func(c *Config) { c.LRScheduler = "plateau" }, "plateau"},
		{"bad optimizer", func(c *Config) { c.Optimizer = "RMSprop" }, "unknown optimizer"},
		{"zero epochs", func(c *Config) { c.NumEpoch = 0 }, "num_epoch"},
	}

	cfg := loadFixture(t)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadFixture(t)
			cfg.Resolve()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateUnknownOptimizerSentinel(t *testing.T) {
	cfg := loadFixture(t)
	cfg.Resolve()
	cfg.Optimizer = "Lion"
	assert.True(t, errors.Is(cfg.Validate(), optimizer.ErrUnknownOptimizer))
}

func TestToProcessor(t *testing.T) {
	cfg := loadFixture(t)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	pc, err := cfg.ToProcessor("run-7")
	require.NoError(t, err)

	assert.Equal(t, training.PhaseTrain, pc.Phase)
	assert.Equal(t, "linear", pc.Model)
	assert.Equal(t, 100, pc.ModelArgs.Int("num_class", 0))
	assert.Equal(t, float32(0.0001), pc.OptimizerConfig.WeightDecay)
	assert.True(t, pc.OptimizerConfig.Nesterov)
	assert.Equal(t, checkpoints.FormatProto, pc.Checkpoint.Format)
	assert.Equal(t, 3, pc.Checkpoint.KeepCheckpoints)
	assert.Equal(t, "run-7", pc.Checkpoint.RunID)
	assert.Equal(t, cfg.ModelDir(), pc.Checkpoint.ModelDir)
	assert.Contains(t, pc.ParamsDump, "Experiment_name: wlasl100_joint")

	tc := pc.Training
	require.NoError(t, tc.Validate())
	assert.Equal(t, 250, tc.NumEpoch)
	assert.Equal(t, "Warmup+MultiStepLR", tc.Scheduler.GetName())
	assert.InDelta(t, 0.005, tc.Scheduler.GetLR(0, 0, tc.BaseLR), 1e-12)
	assert.InDelta(t, 0.1, tc.Scheduler.GetLR(20, 0, tc.BaseLR), 1e-12)
	assert.InDelta(t, 0.01, tc.Scheduler.GetLR(150, 0, tc.BaseLR), 1e-12)
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := loadFixture(t)
	cfg.WorkDir = t.TempDir()
	cfg.Resolve()

	path, err := cfg.WriteSnapshot()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.WorkDir, SnapshotName), path)

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
