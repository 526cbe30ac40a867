package dataloader

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/irvl/slgt-go/skeleton"
	"github.com/irvl/slgt-go/skeleton/dataset"
)

// Batch is a stacked group of processed samples with shape (N, C, T, V, M).
type Batch struct {
	Data    []float32
	Shape   []int
	Labels  []int
	Indices []int
	BatchID int // position within the epoch
	Epoch   int
}

// Size is the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Tensor returns the batch data as a float32 tensor of shape (N, C, T, V, M).
func (b *Batch) Tensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(b.Data, b.Shape...)
}

// Config controls batching and the worker pool
type Config struct {
	BatchSize  int
	NumWorkers int
	Prefetch   int // batches buffered ahead of the consumer (default 2*NumWorkers)
	Shuffle    bool
	DropLast   bool
	Seed       skeleton.SeedContext
}

// Stats reports loader counters
type Stats struct {
	BatchesProduced uint64
	SamplesProduced uint64
}

// Loader splits a dataset into batches and assembles them on a worker pool.
type Loader struct {
	ds  dataset.Dataset
	cfg Config

	batches atomic.Uint64
	samples atomic.Uint64
}

// New creates a loader
func New(ds dataset.Dataset, cfg Config) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2 * cfg.NumWorkers
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// Dataset returns the underlying dataset
func (l *Loader) Dataset() dataset.Dataset {
	return l.ds
}

// NumBatches is the number of batches one epoch yields
func (l *Loader) NumBatches() int {
	n := l.ds.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Stats returns counters accumulated over all epochs
func (l *Loader) Stats() Stats {
	return Stats{BatchesProduced: l.batches.Load(), SamplesProduced: l.samples.Load()}
}

// plan returns the sample indices of each batch for an epoch
func (l *Loader) plan(epoch int) [][]int {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		rng := l.cfg.Seed.Shuffle(epoch)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	plan := make([][]int, 0, l.NumBatches())
	for start := 0; start < len(order); start += l.cfg.BatchSize {
		end := start + l.cfg.BatchSize
		if end > len(order) {
			if l.cfg.DropLast {
				break
			}
			end = len(order)
		}
		plan = append(plan, order[start:end])
	}
	return plan
}

type job struct {
	id      int
	indices []int
}

// Iterator delivers the batches of one epoch in order
type Iterator struct {
	out    chan *Batch
	tokens chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
	closed atomic.Bool
}

// Iterate starts the workers for one epoch. Each worker owns a random stream
// seeded from (seed, epoch, worker). Batches arrive in plan order; at most
// Prefetch batches are in flight ahead of the consumer.
func (l *Loader) Iterate(ctx context.Context, epoch int) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	plan := l.plan(epoch)

	it := &Iterator{
		out:    make(chan *Batch, l.cfg.Prefetch),
		tokens: make(chan struct{}, l.cfg.Prefetch),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	jobs := make(chan job)
	results := make(chan *Batch, l.cfg.NumWorkers)

	g.Go(func() error {
		defer close(jobs)
		for id, indices := range plan {
			select {
			case it.tokens <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- job{id: id, indices: indices}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < l.cfg.NumWorkers; w++ {
		rng := l.cfg.Seed.Worker(epoch, w)
		g.Go(func() error {
			for j := range jobs {
				b, err := l.assemble(j, epoch, rng)
				if err != nil {
					return err
				}
				select {
				case results <- b:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		it.err = g.Wait()
		close(results)
	}()

	// reorder completed batches into plan order
	go func() {
		defer close(it.done)
		defer close(it.out)
		pending := make(map[int]*Batch)
		next := 0
		for b := range results {
			pending[b.BatchID] = b
			for {
				nb, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				select {
				case it.out <- nb:
				case <-ctx.Done():
					for range results {
					}
					return
				}
			}
		}
	}()
	return it
}

// Next blocks until the next batch is ready. It returns false once the epoch
// is exhausted or a worker failed; check Err afterwards.
func (it *Iterator) Next() (*Batch, bool) {
	b, ok := <-it.out
	if !ok {
		return nil, false
	}
	<-it.tokens
	return b, true
}

// Err returns the first worker error, if any. Valid after Next returned false.
func (it *Iterator) Err() error {
	<-it.done
	if it.closed.Load() && errors.Is(it.err, context.Canceled) {
		return nil
	}
	return it.err
}

// Close stops the workers and waits for them to exit.
func (it *Iterator) Close() error {
	it.closed.Store(true)
	it.once.Do(it.cancel)
	for range it.out {
	}
	return it.Err()
}

// assemble runs the pipeline for every sample of a job and stacks the results.
func (l *Loader) assemble(j job, epoch int, rng *rand.Rand) (*Batch, error) {
	b := &Batch{
		Labels:  make([]int, 0, len(j.indices)),
		Indices: make([]int, 0, len(j.indices)),
		BatchID: j.id,
		Epoch:   epoch,
	}
	var sampleShape []int
	for _, idx := range j.indices {
		item, err := l.ds.Get(idx, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d", j.id)
		}
		if sampleShape == nil {
			sampleShape = item.Data.Shape()
			b.Data = make([]float32, 0, len(j.indices)*item.Data.Len())
		} else if !slices.Equal(sampleShape, item.Data.Shape()) {
			return nil, errors.Errorf("batch %d: sample %d has shape %v, expected %v",
				j.id, idx, item.Data.Shape(), sampleShape)
		}
		b.Data = append(b.Data, item.Data.Data...)
		b.Labels = append(b.Labels, item.Label)
		b.Indices = append(b.Indices, item.Index)
	}
	b.Shape = append([]int{len(j.indices)}, sampleShape...)
	l.batches.Add(1)
	l.samples.Add(uint64(len(j.indices)))
	return b, nil
}
