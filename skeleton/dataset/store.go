package dataset

import (
	"encoding/json"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// debugLimit caps the number of samples when a feeder runs in debug mode
const debugLimit = 100

// LabelFile is the on-disk label sequence parallel to the array file
type LabelFile struct {
	SampleNames []string `json:"sample_names"`
	Labels      []int    `json:"labels"`
}

// LoadLabels reads a label file
func LoadLabels(path string) (*LabelFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read labels %s", path)
	}
	var lf LabelFile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, errors.Wrapf(ErrMalformedStore, "labels %s: %v", path, err)
	}
	if len(lf.SampleNames) != len(lf.Labels) {
		return nil, errors.Wrapf(ErrMalformedStore, "labels %s: %d names but %d labels",
			path, len(lf.SampleNames), len(lf.Labels))
	}
	return &lf, nil
}

// SaveLabels writes a label file
func SaveLabels(path string, lf *LabelFile) error {
	raw, err := json.Marshal(lf)
	if err != nil {
		return errors.Wrap(err, "failed to encode labels")
	}
	return errors.Wrapf(os.WriteFile(path, raw, 0644), "failed to write labels %s", path)
}

// Store is the read-only backing store: N samples of shape (C, T, V, M)
// plus their labels and names. Loaded once, shared by all workers.
type Store struct {
	array  *ArrayFile
	names  []string
	labels []int
	n      int
}

// OpenStore loads the array and label files. debug keeps only the first 100 samples.
func OpenStore(dataPath, labelPath string, useMmap, debug bool) (*Store, error) {
	lf, err := LoadLabels(labelPath)
	if err != nil {
		return nil, err
	}
	arr, err := OpenArray(dataPath, useMmap)
	if err != nil {
		return nil, err
	}
	if len(arr.Shape) != 5 {
		arr.Close()
		return nil, errors.Wrapf(ErrMalformedStore, "%s: expected shape (N, C, T, V, M), got %v", dataPath, arr.Shape)
	}
	if arr.Len() != len(lf.Labels) {
		arr.Close()
		return nil, errors.Wrapf(ErrMalformedStore, "%s holds %d samples but %s has %d labels",
			dataPath, arr.Len(), labelPath, len(lf.Labels))
	}

	s := &Store{array: arr, names: lf.SampleNames, labels: lf.Labels, n: arr.Len()}
	if debug && s.n > debugLimit {
		s.n = debugLimit
		s.names = s.names[:debugLimit]
		s.labels = s.labels[:debugLimit]
	}
	klog.InfoS("Loaded backing store", "data", dataPath, "samples", s.n, "shape", arr.Shape,
		"size", humanize.Bytes(uint64(arr.Bytes())), "mmap", useMmap, "debug", debug)
	return s, nil
}

// Len is the number of visible samples
func (s *Store) Len() int {
	return s.n
}

// SampleShape is (C, T, V, M)
func (s *Store) SampleShape() (c, t, v, m int) {
	sh := s.array.Shape
	return sh[1], sh[2], sh[3], sh[4]
}

// Read decodes sample i into a fresh buffer.
func (s *Store) Read(i int) ([]float32, error) {
	if i < 0 || i >= s.n {
		return nil, errors.Errorf("sample %d out of range [0, %d)", i, s.n)
	}
	buf := make([]float32, s.array.SampleLen())
	if err := s.array.ReadSample(i, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Labels returns the label sequence
func (s *Store) Labels() []int {
	return s.labels
}

// SampleNames returns the sample identifiers
func (s *Store) SampleNames() []string {
	return s.names
}

// Close releases the array file
func (s *Store) Close() error {
	return s.array.Close()
}
