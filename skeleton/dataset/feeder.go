package dataset

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/skeleton"
	"github.com/irvl/slgt-go/skeleton/preprocessing"
)

// Item is one processed sample. Index is the position in the store, returned
// so predictions can be traced back to sample identities.
type Item struct {
	Data  *skeleton.Sample
	Label int
	Index int
}

// Dataset is random access over processed samples
type Dataset interface {
	Len() int
	Get(index int, rng *rand.Rand) (Item, error)
	Labels() []int
	SampleNames() []string
	NumClass() int
	Close() error
}

// FeederConfig holds the feeder arguments of an experiment config
type FeederConfig struct {
	DataPath      string  `yaml:"data_path"`
	LabelPath     string  `yaml:"label_path"`
	RandomChoose  bool    `yaml:"random_choose"`
	RandomShift   bool    `yaml:"random_shift"`
	RandomMove    bool    `yaml:"random_move"`
	WindowSize    int     `yaml:"window_size"`
	Normalization bool    `yaml:"normalization"`
	Debug         bool    `yaml:"debug"`
	UseMmap       bool    `yaml:"use_mmap"`
	RandomMirror  bool    `yaml:"random_mirror"`
	RandomMirrorP float64 `yaml:"random_mirror_p"`
	IsVector      bool    `yaml:"is_vector"`
	BoneStream    bool    `yaml:"bone_stream"`
	MotionStream  bool    `yaml:"motion_stream"`
	NumClass      int     `yaml:"num_class"`
}

// DefaultFeederConfig mirrors the defaults of the skeleton feeder
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		WindowSize:    -1,
		UseMmap:       true,
		RandomMirrorP: 0.5,
		NumClass:      2000,
	}
}

// Pipeline builds the per-sample transform chain for this configuration
func (c FeederConfig) Pipeline() *preprocessing.Pipeline {
	mode := preprocessing.Uniform
	if c.RandomChoose {
		mode = preprocessing.Random
	}
	var move *preprocessing.RandomMove
	if c.RandomMove {
		move = preprocessing.DefaultRandomMove()
	}
	return &preprocessing.Pipeline{
		Streams: preprocessing.StreamDeriver{
			Bone:   c.BoneStream,
			Motion: c.MotionStream,
			Bones:  skeleton.SignBones,
			Order:  preprocessing.StreamOrderBoneThenMotion,
		},
		Sampler: preprocessing.SequenceSampler{Window: c.WindowSize, Mode: mode},
		Augmenter: preprocessing.Augmenter{
			Mirror:     c.RandomMirror,
			MirrorP:    c.RandomMirrorP,
			Normalize:  c.Normalization,
			Shift:      c.RandomShift,
			Move:       move,
			IsVector:   c.IsVector,
			BoneStream: c.BoneStream,
			FrameSize:  skeleton.FrameSize,
		},
	}
}

// Feeder serves skeleton samples from a backing store through the
// augmentation pipeline.
type Feeder struct {
	cfg      FeederConfig
	store    *Store
	pipeline *preprocessing.Pipeline
}

// NewFeeder opens the backing store; any failure here is fatal for the run.
func NewFeeder(cfg FeederConfig) (*Feeder, error) {
	if cfg.NumClass <= 0 {
		return nil, errors.Errorf("num_class must be positive, got %d", cfg.NumClass)
	}
	store, err := OpenStore(cfg.DataPath, cfg.LabelPath, cfg.UseMmap, cfg.Debug)
	if err != nil {
		return nil, err
	}
	for i, l := range store.Labels() {
		if l < 0 || l >= cfg.NumClass {
			store.Close()
			return nil, errors.Wrapf(ErrMalformedStore, "sample %d has label %d outside [0, %d)", i, l, cfg.NumClass)
		}
	}
	return &Feeder{cfg: cfg, store: store, pipeline: cfg.Pipeline()}, nil
}

// Len is the number of samples
func (f *Feeder) Len() int { return f.store.Len() }

// Labels returns the label of every sample
func (f *Feeder) Labels() []int { return f.store.Labels() }

// SampleNames returns the identifier of every sample
func (f *Feeder) SampleNames() []string { return f.store.SampleNames() }

// NumClass is the configured number of classes
func (f *Feeder) NumClass() int { return f.cfg.NumClass }

// Get materializes sample index and runs it through the pipeline using rng.
// The backing store is never modified.
func (f *Feeder) Get(index int, rng *rand.Rand) (Item, error) {
	raw, err := f.store.Read(index)
	if err != nil {
		return Item{}, err
	}
	c, t, v, m := f.store.SampleShape()
	sample, err := skeleton.FromData(raw, c, t, v, m)
	if err != nil {
		return Item{}, err
	}
	out, err := f.pipeline.Run(sample, rng)
	if err != nil {
		return Item{}, errors.Wrapf(err, "sample %d", index)
	}
	return Item{Data: out, Label: f.store.Labels()[index], Index: index}, nil
}

// TopK scores this split; see TopK.
func (f *Feeder) TopK(scores [][]float32, k int) (float64, error) {
	return TopK(scores, f.Labels(), k)
}

// PerClassTopK scores this split; see PerClassTopK.
func (f *Feeder) PerClassTopK(scores [][]float32, k int) (float64, error) {
	return PerClassTopK(scores, f.Labels(), f.NumClass(), k)
}

// Close releases the backing store
func (f *Feeder) Close() error {
	if f == nil || f.store == nil {
		return nil
	}
	return f.store.Close()
}
