package dataset

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFixture stores n samples of shape (3, t, 27, 1); sample i is filled with i.
func writeFixture(t *testing.T, n, frames int, labels []int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	per := 3 * frames * 27
	data := make([]float32, n*per)
	for i := 0; i < n; i++ {
		for k := 0; k < per; k++ {
			data[i*per+k] = float32(i)
		}
	}
	dataPath := filepath.Join(dir, "train_data_joint.npy")
	require.NoError(t, WriteArray(dataPath, []int{n, 3, frames, 27, 1}, data))

	names := make([]string, n)
	for i := range names {
		names[i] = "sample_" + strconv.Itoa(i)
	}
	labelPath := filepath.Join(dir, "train_label.json")
	require.NoError(t, SaveLabels(labelPath, &LabelFile{SampleNames: names, Labels: labels}))
	return dataPath, labelPath
}

func TestArrayRoundTrip(t *testing.T) {
	for _, useMmap := range []bool{true, false} {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.npy")
		data := []float32{1, 2, 3, 4, 5, 6}
		require.NoError(t, WriteArray(path, []int{3, 2}, data))

		a, err := OpenArray(path, useMmap)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2}, a.Shape)
		assert.Equal(t, "<f4", a.DType)
		assert.Equal(t, useMmap, a.Mapped)

		dst := make([]float32, 2)
		require.NoError(t, a.ReadSample(2, dst))
		assert.Equal(t, []float32{5, 6}, dst)
		assert.Error(t, a.ReadSample(3, dst))
		require.NoError(t, a.Close())
	}
}

func TestOpenArrayFloat64(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f8.npy")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, npyio.Write(f, []float64{0.5, -1.5, 2.25}))
	require.NoError(t, f.Close())

	for _, useMmap := range []bool{true, false} {
		a, err := OpenArray(path, useMmap)
		require.NoError(t, err)
		assert.Equal(t, []int{3}, a.Shape)
		assert.Equal(t, "<f8", a.DType)

		dst := make([]float32, 1)
		require.NoError(t, a.ReadSample(1, dst))
		assert.Equal(t, float32(-1.5), dst[0])
		require.NoError(t, a.ReadSample(2, dst))
		assert.Equal(t, float32(2.25), dst[0])
		require.NoError(t, a.Close())
	}
}

func TestOpenArrayRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.npy")
	require.NoError(t, os.WriteFile(path, []byte("definitely not numpy"), 0644))
	_, err := OpenArray(path, false)
	assert.True(t, errors.Is(err, ErrMalformedStore))

	_, err = OpenArray(filepath.Join(t.TempDir(), "missing.npy"), true)
	assert.Error(t, err)
}

func TestOpenStoreLabelMismatch(t *testing.T) {
	dataPath, labelPath := writeFixture(t, 3, 4, []int{0, 1, 0})
	require.NoError(t, SaveLabels(labelPath, &LabelFile{SampleNames: []string{"a"}, Labels: []int{0}}))
	_, err := OpenStore(dataPath, labelPath, true, false)
	assert.True(t, errors.Is(err, ErrMalformedStore))
}

func TestStoreDebugTruncation(t *testing.T) {
	labels := make([]int, 120)
	dataPath, labelPath := writeFixture(t, 120, 2, labels)
	s, err := OpenStore(dataPath, labelPath, false, true)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 100, s.Len())
	assert.Len(t, s.Labels(), 100)
	_, err = s.Read(100)
	assert.Error(t, err)
}

func TestFeederGet(t *testing.T) {
	dataPath, labelPath := writeFixture(t, 4, 10, []int{0, 1, 1, 0})
	cfg := DefaultFeederConfig()
	cfg.DataPath, cfg.LabelPath = dataPath, labelPath
	cfg.WindowSize = 16
	cfg.NumClass = 2

	ds, err := New("feeder", cfg)
	require.NoError(t, err)
	defer ds.Close()

	require.Equal(t, 4, ds.Len())
	item, err := ds.Get(2, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 2, item.Index)
	assert.Equal(t, 1, item.Label)
	assert.Equal(t, []int{3, 16, 27, 1}, item.Data.Shape())
	for _, v := range item.Data.Data {
		require.Equal(t, float32(2), v)
	}

	// per-access copies never leak into the store
	item.Data.Data[0] = 99
	again, err := ds.Get(2, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, float32(2), again.Data.Data[0])
}

func TestFeederRejectsOutOfRangeLabel(t *testing.T) {
	dataPath, labelPath := writeFixture(t, 2, 2, []int{0, 5})
	cfg := DefaultFeederConfig()
	cfg.DataPath, cfg.LabelPath, cfg.NumClass = dataPath, labelPath, 2
	_, err := NewFeeder(cfg)
	assert.True(t, errors.Is(err, ErrMalformedStore))
}

func TestFeederMissingStoreIsNilDataset(t *testing.T) {
	cfg := DefaultFeederConfig()
	cfg.DataPath = filepath.Join(t.TempDir(), "missing.npy")
	cfg.LabelPath = filepath.Join(t.TempDir(), "missing.json")
	ds, err := New("feeder", cfg)
	require.Error(t, err)
	assert.True(t, ds == nil, "failed build returned a non-nil dataset %T", ds)

	var f *Feeder
	assert.NoError(t, f.Close())
}

func TestUnknownFeeder(t *testing.T) {
	_, err := New("feeders.nope", DefaultFeederConfig())
	assert.True(t, errors.Is(err, ErrUnknownFeeder))
	assert.Error(t, Register("feeder", func(FeederConfig) (Dataset, error) { return nil, nil }))
}

func TestTopK(t *testing.T) {
	scores := [][]float32{
		{0.1, 0.7, 0.2},
		{0.5, 0.3, 0.2},
		{0.2, 0.3, 0.5},
		{0.6, 0.1, 0.3},
	}
	labels := []int{1, 1, 0, 1}

	tests := []struct {
		k        int
		expected float64
	}{
		{1, 0.25},
		{2, 0.5},
		{3, 1.0},
		{10, 1.0},
	}
	prev := 0.0
	for _, tt := range tests {
		got, err := TopK(scores, labels, tt.k)
		require.NoError(t, err)
		assert.InDelta(t, tt.expected, got, 1e-9, "k=%d", tt.k)
		assert.GreaterOrEqual(t, got, prev, "top-k must not decrease in k")
		prev = got
	}

	_, err := TopK(scores, labels, 0)
	assert.Error(t, err)
	_, err = TopK(scores, labels[:2], 1)
	assert.Error(t, err)
}

func TestTopKMonotoneRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	scores := make([][]float32, 50)
	labels := make([]int, 50)
	for i := range scores {
		scores[i] = make([]float32, 8)
		for c := range scores[i] {
			scores[i][c] = float32(rng.Intn(4)) // plenty of ties
		}
		labels[i] = rng.Intn(8)
	}
	prev := -1.0
	for k := 1; k <= 8; k++ {
		got, err := TopK(scores, labels, k)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	assert.Equal(t, 1.0, prev)
}

func TestPerClassTopK(t *testing.T) {
	scores := [][]float32{{0.9, 0.1}, {0.2, 0.8}}
	got, err := PerClassTopK(scores, []int{0, 1}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	// class 0: 1/1, class 1: 1/2
	scores = [][]float32{{0.9, 0.1}, {0.9, 0.1}, {0.2, 0.8}}
	got, err = PerClassTopK(scores, []int{0, 1, 1}, 2, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got, 1e-9)

	// class 0: 1/2, class 1: 0/1
	got, err = PerClassTopK(scores, []int{0, 1, 0}, 2, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, got, 1e-9)
}

func TestPerClassTopKEmptyClass(t *testing.T) {
	scores := [][]float32{{0.9, 0.1, 0}, {0.2, 0.8, 0}}
	got, err := PerClassTopK(scores, []int{0, 1}, 3, 1)
	assert.True(t, errors.Is(err, ErrEmptyClass))
	assert.False(t, math.IsNaN(got))
}
