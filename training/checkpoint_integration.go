package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/irvl/slgt-go/checkpoints"
	"github.com/irvl/slgt-go/model"
	"github.com/irvl/slgt-go/optimizer"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	ModelDir        string                       // save_models: periodic and best checkpoints
	ResultsDir      string                       // eval_results: score artifacts
	Format          checkpoints.CheckpointFormat // JSON or protobuf
	KeepCheckpoints int                          // periodic checkpoints to keep (0 = unlimited)
	KeepEpochScores int                          // per-epoch score artifacts to keep (0 = unlimited)
	RunID           string
}

// BestMetrics is the best evaluation seen so far. The four accuracies are
// always replaced together when top-1 strictly improves.
type BestMetrics struct {
	Acc          float64
	Acc5         float64
	AccPerClass  float64
	Acc5PerClass float64
	Epoch        int
}

func (b BestMetrics) String() string {
	return fmt.Sprintf("best accuracy: %v, best top-5 accuracy: %v, best accuracy per-class: %v, best top-5 accuracy per-class: %v",
		b.Acc, b.Acc5, b.AccPerClass, b.Acc5PerClass)
}

// Snapshot is the trainable state captured into a checkpoint
type Snapshot struct {
	Params     []*model.Parameter
	Optimizer  optimizer.Optimizer
	LR         float64
	GlobalStep int
}

// CheckpointManager persists periodic checkpoints, the best checkpoint and
// the score artifacts of every evaluation
type CheckpointManager struct {
	config      CheckpointConfig
	saver       *checkpoints.CheckpointSaver
	best        BestMetrics
	savedFiles  []string // periodic checkpoints, oldest first
	savedScores []string // per-epoch score artifacts, oldest first
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// Best returns the best metrics so far
func (cm *CheckpointManager) Best() BestMetrics {
	return cm.best
}

// BestModelPath is the fixed location of the best checkpoint
func (cm *CheckpointManager) BestModelPath() string {
	return filepath.Join(cm.config.ModelDir, "best_model"+cm.config.Format.Extension())
}

// BestScoresPath is the fixed location of the best score artifact
func (cm *CheckpointManager) BestScoresPath() string {
	return filepath.Join(cm.config.ResultsDir, "best_acc"+cm.config.Format.Extension())
}

// EpochScoresPath is the per-evaluation score artifact, keyed by epoch and accuracy
func (cm *CheckpointManager) EpochScoresPath(epoch int, acc float64) string {
	return filepath.Join(cm.config.ResultsDir, fmt.Sprintf("epoch_%d_%v%s", epoch, acc, cm.config.Format.Extension()))
}

// PeriodicPath is the checkpoint written on save epochs
func (cm *CheckpointManager) PeriodicPath(epoch int) string {
	return filepath.Join(cm.config.ModelDir, fmt.Sprintf("epoch-%d%s", epoch, cm.config.Format.Extension()))
}

// LoadCheckpoint reads a checkpoint; its format follows the file extension
func (cm *CheckpointManager) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path)).LoadCheckpoint(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}
	return ckpt, nil
}

// Restore adopts the best metrics recorded in a loaded checkpoint. Missing
// fields keep their current value.
func (cm *CheckpointManager) Restore(ckpt *checkpoints.Checkpoint) {
	if ckpt.BestAcc != nil {
		cm.best.Acc = *ckpt.BestAcc
	}
	if ckpt.BestAcc5 != nil {
		cm.best.Acc5 = *ckpt.BestAcc5
	}
	if ckpt.BestAccPerClass != nil {
		cm.best.AccPerClass = *ckpt.BestAccPerClass
	}
	if ckpt.BestAcc5PerClass != nil {
		cm.best.Acc5PerClass = *ckpt.BestAcc5PerClass
	}
	if ckpt.Epoch != nil {
		cm.best.Epoch = *ckpt.Epoch
	}
}

// SavePeriodicCheckpoint writes epoch-<e> and prunes the oldest periodic
// checkpoints beyond KeepCheckpoints
func (cm *CheckpointManager) SavePeriodicCheckpoint(epoch int, snap Snapshot) (string, error) {
	path := cm.PeriodicPath(epoch)
	ckpt, err := cm.createCheckpoint(epoch, snap, fmt.Sprintf("Periodic checkpoint - Epoch %d", epoch))
	if err != nil {
		return "", err
	}
	if err := cm.saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", errors.Wrap(err, "failed to save periodic checkpoint")
	}
	cm.savedFiles = append(cm.savedFiles, path)
	cm.savedFiles = cm.cleanup(cm.savedFiles, cm.config.KeepCheckpoints)
	return path, nil
}

// Observe records one evaluation. On a strict top-1 improvement the best
// metrics are replaced and both the best checkpoint and the best score
// artifact are overwritten; ties and regressions leave them untouched. The
// per-epoch score artifact is written either way.
func (cm *CheckpointManager) Observe(result *EvalResult, names []string, snap Snapshot) (bool, error) {
	entries, err := checkpoints.NewScoreEntries(names, result.Scores)
	if err != nil {
		return false, err
	}

	improved, err := cm.observeBest(result, entries, snap)
	if err != nil {
		return improved, err
	}

	path := cm.EpochScoresPath(result.Epoch, result.Top1())
	if err := checkpoints.SaveScores(path, entries, cm.config.Format); err != nil {
		return improved, errors.Wrap(err, "failed to save epoch scores")
	}
	cm.savedScores = append(cm.savedScores, path)
	cm.savedScores = cm.cleanup(cm.savedScores, cm.config.KeepEpochScores)
	return improved, nil
}

func (cm *CheckpointManager) observeBest(result *EvalResult, entries []checkpoints.ScoreEntry, snap Snapshot) (bool, error) {
	if result.Top1() <= cm.best.Acc {
		return false, nil
	}

	cm.best = BestMetrics{
		Acc:          result.Top1(),
		Acc5:         result.Top5(),
		AccPerClass:  result.PerClassTop1(),
		Acc5PerClass: result.PerClassTop5(),
		Epoch:        result.Epoch,
	}
	if err := checkpoints.SaveScores(cm.BestScoresPath(), entries, cm.config.Format); err != nil {
		return true, errors.Wrap(err, "failed to save best scores")
	}
	description := fmt.Sprintf("Best checkpoint - Epoch %d, Accuracy: %.2f%%", result.Epoch, result.Top1()*100)
	ckpt, err := cm.createCheckpoint(result.Epoch, snap, description)
	if err != nil {
		return true, err
	}
	if err := cm.saver.SaveCheckpoint(ckpt, cm.BestModelPath()); err != nil {
		return true, errors.Wrap(err, "failed to save best checkpoint")
	}
	klog.InfoS("Saved best checkpoint", "epoch", result.Epoch, "acc", result.Top1(), "path", cm.BestModelPath())
	return true, nil
}

func (cm *CheckpointManager) createCheckpoint(epoch int, snap Snapshot, description string) (*checkpoints.Checkpoint, error) {
	ckpt := &checkpoints.Checkpoint{
		Weights:          checkpoints.ExtractWeights(snap.Params),
		LR:               snap.LR,
		BestAcc:          checkpoints.Float(cm.best.Acc),
		BestAcc5:         checkpoints.Float(cm.best.Acc5),
		BestAccPerClass:  checkpoints.Float(cm.best.AccPerClass),
		BestAcc5PerClass: checkpoints.Float(cm.best.Acc5PerClass),
		Epoch:            checkpoints.Int(epoch),
		GlobalStep:       snap.GlobalStep,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.config.RunID,
			Description: description,
		},
	}
	if snap.Optimizer != nil {
		state, err := snap.Optimizer.GetState()
		if err != nil {
			return nil, errors.Wrap(err, "failed to capture optimizer state")
		}
		ckpt.Optimizer = state
		ckpt.Metadata.Tags = []string{snap.Optimizer.Name()}
	}
	return ckpt, nil
}

// cleanup removes the oldest files beyond keep and returns the survivors
func (cm *CheckpointManager) cleanup(files []string, keep int) []string {
	if keep <= 0 || len(files) <= keep {
		return files
	}
	toRemove := len(files) - keep
	for _, f := range files[:toRemove] {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			klog.ErrorS(err, "Failed to remove old artifact", "path", f)
		}
	}
	return append([]string(nil), files[toRemove:]...)
}
