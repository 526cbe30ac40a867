package dataloader

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irvl/slgt-go/skeleton"
	"github.com/irvl/slgt-go/skeleton/dataset"
)

// memDataset returns sample i filled with i plus one random draw in the last slot
type memDataset struct {
	n      int
	failAt int
}

func (m *memDataset) Len() int { return m.n }

func (m *memDataset) Get(index int, rng *rand.Rand) (dataset.Item, error) {
	if index == m.failAt {
		return dataset.Item{}, errors.New("boom")
	}
	s := skeleton.NewSample(1, 2, 2, 1)
	for i := range s.Data {
		s.Data[i] = float32(index)
	}
	s.Data[len(s.Data)-1] = float32(rng.Float64())
	return dataset.Item{Data: s, Label: index % 3, Index: index}, nil
}

func (m *memDataset) Labels() []int {
	l := make([]int, m.n)
	for i := range l {
		l[i] = i % 3
	}
	return l
}

func (m *memDataset) SampleNames() []string { return nil }
func (m *memDataset) NumClass() int         { return 3 }
func (m *memDataset) Close() error          { return nil }

func collect(t *testing.T, it *Iterator) []*Batch {
	t.Helper()
	var out []*Batch
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, b)
	}
	return out
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{BatchSize: 1})
	assert.Error(t, err)
	_, err = New(&memDataset{n: 1, failAt: -1}, Config{})
	assert.Error(t, err)
}

func TestIterateOrderAndCoverage(t *testing.T) {
	ds := &memDataset{n: 23, failAt: -1}
	l, err := New(ds, Config{BatchSize: 4, NumWorkers: 3, Prefetch: 2})
	require.NoError(t, err)
	require.Equal(t, 6, l.NumBatches())

	it := l.Iterate(context.Background(), 0)
	batches := collect(t, it)
	require.NoError(t, it.Err())
	require.Len(t, batches, 6)

	seen := []int{}
	for i, b := range batches {
		assert.Equal(t, i, b.BatchID)
		assert.Equal(t, []int{b.Size(), 1, 2, 2, 1}, b.Shape)
		assert.Len(t, b.Data, b.Size()*4)
		for k, idx := range b.Indices {
			assert.Equal(t, float32(idx), b.Data[k*4])
			assert.Equal(t, idx%3, b.Labels[k])
		}
		seen = append(seen, b.Indices...)
	}
	assert.True(t, sort.IntsAreSorted(seen), "no shuffle keeps natural order")
	assert.Len(t, seen, 23)
	assert.Equal(t, 3, batches[5].Size())

	stats := l.Stats()
	assert.Equal(t, uint64(6), stats.BatchesProduced)
	assert.Equal(t, uint64(23), stats.SamplesProduced)
}

func TestIterateDropLastAndShuffle(t *testing.T) {
	ds := &memDataset{n: 10, failAt: -1}
	cfg := Config{BatchSize: 3, NumWorkers: 2, Shuffle: true, DropLast: true, Seed: skeleton.NewSeedContext(5)}
	l, err := New(ds, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, l.NumBatches())

	first := collect(t, l.Iterate(context.Background(), 1))
	second := collect(t, l.Iterate(context.Background(), 1))
	require.Len(t, first, 3)
	for i := range first {
		assert.Equal(t, first[i].Indices, second[i].Indices, "same epoch, same order")
	}

	seen := map[int]bool{}
	for _, b := range first {
		for _, idx := range b.Indices {
			assert.False(t, seen[idx], "duplicate index %d", idx)
			seen[idx] = true
		}
	}
	assert.Len(t, seen, 9)
}

func TestIteratePropagatesWorkerError(t *testing.T) {
	ds := &memDataset{n: 12, failAt: 7}
	l, err := New(ds, Config{BatchSize: 2, NumWorkers: 2})
	require.NoError(t, err)
	it := l.Iterate(context.Background(), 0)
	collect(t, it)
	err = it.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestIteratorEarlyClose(t *testing.T) {
	ds := &memDataset{n: 100, failAt: -1}
	l, err := New(ds, Config{BatchSize: 2, NumWorkers: 4, Prefetch: 1})
	require.NoError(t, err)
	it := l.Iterate(context.Background(), 0)
	_, ok := it.Next()
	require.True(t, ok)
	assert.NoError(t, it.Close())
}

func TestBatchTensor(t *testing.T) {
	b := &Batch{Data: make([]float32, 2*3*4*27*1), Shape: []int{2, 3, 4, 27, 1}}
	tensor := b.Tensor()
	require.NotNil(t, tensor)
	assert.Equal(t, b.Shape, tensor.Shape().Dimensions)
}
