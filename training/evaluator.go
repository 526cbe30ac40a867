package training

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/model"
	"github.com/irvl/slgt-go/skeleton/dataloader"
	"github.com/irvl/slgt-go/skeleton/dataset"
)

// EvalResult is everything one evaluation pass produced
type EvalResult struct {
	Epoch        int
	Loss         float64 // mean of per-batch cross entropy, aux excluded
	Batches      int
	Metrics      Summary
	TopK         map[int]float64
	PerClassTopK map[int]float64
	Scores       [][]float32 // row i belongs to dataset sample i
}

// Top1 is the accuracy used to rank evaluations
func (r *EvalResult) Top1() float64 { return r.TopK[1] }

// Top5 accuracy
func (r *EvalResult) Top5() float64 { return r.TopK[5] }

// PerClassTop1 is the macro per-class top-1 accuracy
func (r *EvalResult) PerClassTop1() float64 { return r.PerClassTopK[1] }

// PerClassTop5 is the macro per-class top-5 accuracy
func (r *EvalResult) PerClassTop5() float64 { return r.PerClassTopK[5] }

// EvalOptions names the optional side files of an evaluation. Empty paths
// are skipped.
type EvalOptions struct {
	WrongFile  string // "index,pred,true" for every misclassified sample
	ResultFile string // "pred,true" for every sample
}

// Evaluator runs a model over an evaluation split in inference mode
type Evaluator struct {
	Model     model.Model
	Loader    *dataloader.Loader
	Log       *RunLog
	ShowTopK  []int
	ModelName string    // reported in the accuracy line
	Progress  io.Writer // nil disables the progress bar
	loss      *CrossEntropyLoss
}

// NewEvaluator creates an evaluator
func NewEvaluator(m model.Model, loader *dataloader.Loader, log *RunLog, showTopK []int) *Evaluator {
	return &Evaluator{
		Model:    m,
		Loader:   loader,
		Log:      log,
		ShowTopK: showTopK,
		loss:     NewCrossEntropyLoss("mean"),
	}
}

// Evaluate scores the whole split. Side files are opened once and closed on
// every return path.
func (e *Evaluator) Evaluate(ctx context.Context, epoch int, opts EvalOptions) (result *EvalResult, err error) {
	wrong, closeWrong, err := openSideFile(opts.WrongFile)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := closeWrong(); err == nil {
			err = cerr
		}
	}()
	right, closeRight, err := openSideFile(opts.ResultFile)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := closeRight(); err == nil {
			err = cerr
		}
	}()

	ds := e.Loader.Dataset()
	numClass := ds.NumClass()
	e.Model.SetTraining(false)
	e.Log.Printf("Eval epoch: %d", epoch+1)

	metrics := NewStreamingMetrics(numClass)
	scores := make([][]float32, ds.Len())
	var losses []float64
	bar := NewProgressBar(e.Progress, "Eval", e.Loader.NumBatches())

	it := e.Loader.Iterate(ctx, epoch)
	defer it.Close()
	for {
		batch, ok := it.Next()
		if !ok {
			break
		}
		out, err := e.Model.Forward(batch, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "eval forward, batch %d", batch.BatchID)
		}
		logits := out.Logits()
		l, err := e.loss.Forward(logits, batch.Labels)
		if err != nil {
			return nil, errors.Wrapf(err, "eval loss, batch %d", batch.BatchID)
		}
		losses = append(losses, l)
		if err := metrics.Update(logits, batch.Labels); err != nil {
			return nil, err
		}

		for i, row := range logits {
			idx := batch.Indices[i]
			if idx < 0 || idx >= len(scores) {
				return nil, errors.Errorf("sample index %d outside split of %d", idx, len(scores))
			}
			scores[idx] = append([]float32(nil), row...)
			pred := Argmax(row)
			if right != nil {
				fmt.Fprintf(right, "%d,%d\n", pred, batch.Labels[i])
			}
			if wrong != nil && pred != batch.Labels[i] {
				fmt.Fprintf(wrong, "%d,%d,%d\n", idx, pred, batch.Labels[i])
			}
		}
		bar.Update(len(losses), map[string]float64{"loss": l})
	}
	if err := it.Err(); err != nil {
		return nil, errors.Wrap(err, "eval data loading failed")
	}
	bar.Finish()

	for i, row := range scores {
		if row == nil {
			return nil, errors.Errorf("sample %d was never scored", i)
		}
	}

	result = &EvalResult{
		Epoch:        epoch,
		Loss:         mean(losses),
		Batches:      len(losses),
		Metrics:      metrics.Compute(),
		TopK:         map[int]float64{},
		PerClassTopK: map[int]float64{},
		Scores:       scores,
	}
	for _, k := range e.topKs() {
		if result.TopK[k], err = dataset.TopK(scores, ds.Labels(), k); err != nil {
			return nil, errors.Wrapf(err, "top-%d", k)
		}
		if result.PerClassTopK[k], err = dataset.PerClassTopK(scores, ds.Labels(), numClass, k); err != nil {
			return nil, errors.Wrapf(err, "per-class top-%d", k)
		}
	}

	e.report(result)
	return result, nil
}

// topKs is ShowTopK plus 1 and 5, which the best-metric bookkeeping needs
func (e *Evaluator) topKs() []int {
	seen := map[int]bool{1: true, 5: true}
	ks := []int{1, 5}
	for _, k := range e.ShowTopK {
		if !seen[k] {
			seen[k] = true
			ks = append(ks, k)
		}
	}
	sort.Ints(ks)
	return ks
}

func (e *Evaluator) report(r *EvalResult) {
	m := r.Metrics
	e.Log.Printf("Eval Accuracy: %v, model: %s", r.Top1(), e.ModelName)
	e.Log.Printf("streaming metrics acc: %.1f%%\n", 100*m.Accuracy)
	e.Log.Printf("recall of every test dataset class:\n%v", formatVector(m.Recall))
	e.Log.Printf("precision of every test dataset class:\n%v", formatVector(m.Precision))
	e.Log.Printf("f1 score: %v", formatVector(m.F1))
	e.Log.Printf("auc: %v", m.AUROC)
	e.Log.Printf("\tMean test loss of %d batches: %v.", r.Batches, r.Loss)
	for _, k := range e.ShowTopK {
		e.Log.Printf("\tTop%d: %.2f%%", k, 100*r.TopK[k])
		e.Log.Printf("\tTop%d per-class: %.2f%%", k, 100*r.PerClassTopK[k])
	}
}

func formatVector(v []float64) string {
	var b []byte
	b = append(b, '[')
	for i, x := range v {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = fmt.Appendf(b, "%.4f", x)
	}
	return string(append(b, ']'))
}

// openSideFile truncates and opens path for buffered writing. An empty path
// yields a nil writer and a no-op close.
func openSideFile(path string) (*bufio.Writer, func() error, error) {
	if path == "" {
		return nil, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %s", path)
	}
	w := bufio.NewWriter(f)
	return w, func() error {
		ferr := w.Flush()
		if cerr := f.Close(); ferr == nil {
			ferr = cerr
		}
		return errors.Wrapf(ferr, "failed to close %s", path)
	}, nil
}
