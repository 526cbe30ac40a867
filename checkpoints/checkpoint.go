package checkpoints

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// ErrChecksum is returned when stored weights do not match their digest
var ErrChecksum = errors.New("checkpoint checksum mismatch")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension is the file suffix used for the format
func (cf CheckpointFormat) Extension() string {
	if cf == FormatProto {
		return ".pb"
	}
	return ".json"
}

// ParseFormat maps a config value ("json", "proto") to a format
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	}
	return FormatJSON, errors.Errorf("unknown checkpoint format %q", s)
}

// FormatForPath picks the format from a file extension
func FormatForPath(path string) CheckpointFormat {
	if filepath.Ext(path) == FormatProto.Extension() {
		return FormatProto
	}
	return FormatJSON
}

// Checkpoint is the persisted state of a run: model weights, optimizer state,
// learning rate, best metrics and epoch. Optional fields are nil when absent.
type Checkpoint struct {
	Weights   []WeightTensor  `json:"weights"`
	Optimizer *OptimizerState `json:"optimizer,omitempty"`

	LR               float64  `json:"lr"`
	BestAcc          *float64 `json:"best_acc,omitempty"`
	BestAcc5         *float64 `json:"best_acc_5,omitempty"`
	BestAccPerClass  *float64 `json:"best_accuracy_per_class,omitempty"`
	BestAcc5PerClass *float64 `json:"best_accuracy_5_per_class,omitempty"`
	Epoch            *int     `json:"epoch,omitempty"`
	GlobalStep       int      `json:"global_step"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", ...
}

// OptimizerState captures optimizer-specific state (momentum, moments, step count)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "AdamW"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor is one per-parameter optimizer buffer
type OptimizerTensor struct {
	Name      string    `json:"name"` // parameter name
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Float returns a pointer to v, for optional checkpoint fields
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for optional checkpoint fields
func Int(v int) *int { return &v }

// WeightsDigest is the blake2b-256 digest over weight names, shapes and data.
func WeightsDigest(weights []WeightTensor) string {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	for _, w := range weights {
		h.Write([]byte(w.Name))
		for _, d := range w.Shape {
			binary.LittleEndian.PutUint64(buf[:], uint64(d))
			h.Write(buf[:])
		}
		for _, v := range w.Data {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			h.Write(buf[:4])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the checkpoint atomically; readers see either the
// previous file or the complete new one.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "slgt-go"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	checkpoint.Metadata.Checksum = WeightsDigest(checkpoint.Weights)

	var payload []byte
	var err error
	switch cs.format {
	case FormatJSON:
		payload, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		payload, err = marshalCheckpoint(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return WriteFileAtomic(path, payload)
}

// LoadCheckpoint reads a checkpoint and verifies its weight digest
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(raw, checkpoint)
	case FormatProto:
		checkpoint, err = unmarshalCheckpoint(raw)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	if sum := checkpoint.Metadata.Checksum; sum != "" && sum != WeightsDigest(checkpoint.Weights) {
		return nil, errors.Wrapf(ErrChecksum, "%s", path)
	}
	return checkpoint, nil
}

// WriteFileAtomic writes data to a temporary file in the target directory,
// syncs it and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file")
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "failed to sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to close %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to move checkpoint into place at %s", path)
	}
	return nil
}
