package training

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/irvl/slgt-go/model"
	"github.com/irvl/slgt-go/skeleton"
	"github.com/irvl/slgt-go/skeleton/dataloader"
	"github.com/irvl/slgt-go/skeleton/dataset"
)

// memDataset holds one-value samples; the value of sample i is i, so a
// model can tell which sample it is looking at.
type memDataset struct {
	labels   []int
	numClass int
	failAt   int // Get fails for this index when >= 0
}

func newMemDataset(labels []int, numClass int) *memDataset {
	return &memDataset{labels: labels, numClass: numClass, failAt: -1}
}

func (d *memDataset) Len() int { return len(d.labels) }

func (d *memDataset) Get(index int, rng *rand.Rand) (dataset.Item, error) {
	if index == d.failAt {
		return dataset.Item{}, errors.New("corrupt sample")
	}
	s, err := skeleton.FromData([]float32{float32(index)}, 1, 1, 1, 1)
	if err != nil {
		return dataset.Item{}, err
	}
	return dataset.Item{Data: s, Label: d.labels[index], Index: index}, nil
}

func (d *memDataset) Labels() []int { return d.labels }

func (d *memDataset) SampleNames() []string {
	names := make([]string, len(d.labels))
	for i := range names {
		names[i] = fmt.Sprintf("sample_%d", i)
	}
	return names
}

func (d *memDataset) NumClass() int { return d.numClass }

func (d *memDataset) Close() error { return nil }

// scriptedModel predicts preds[i] for sample i and records what the loop
// handed it
type scriptedModel struct {
	numClass int
	preds    []int
	aux      float32 // when > 0 every forward returns an aux term

	weight *model.Parameter
	gate   *model.Parameter

	training      bool
	keepProbs     []*float64
	gateTrainable []bool
	backwardCalls int
	gradAux       []float64
	lastN         int
}

func newScriptedModel(numClass int, preds []int) *scriptedModel {
	return &scriptedModel{
		numClass: numClass,
		preds:    preds,
		weight:   model.NewParameter("fc.weight", 2),
		gate:     model.NewParameter("gate."+model.DecoupleTag, 2),
	}
}

func (m *scriptedModel) Forward(in model.Input, keepProb *float64) (model.Output, error) {
	x := in.Tensor()
	dims := x.Shape().Dimensions
	per := 1
	for _, d := range dims[1:] {
		per *= d
	}
	var data []float32
	tensors.ConstFlatData(x, func(flat []float32) { data = append(data, flat...) })
	scores := make(model.Scores, dims[0])
	for s := range scores {
		idx := int(data[s*per])
		row := make([]float32, m.numClass)
		row[m.preds[idx]] = 5
		scores[s] = row
	}
	if keepProb != nil {
		v := *keepProb
		keepProb = &v
	}
	m.keepProbs = append(m.keepProbs, keepProb)
	m.gateTrainable = append(m.gateTrainable, m.gate.RequiresGrad)
	m.lastN = len(scores)
	if m.aux > 0 {
		aux := make([]float32, len(scores))
		for i := range aux {
			aux[i] = m.aux
		}
		return model.ScoresWithAux{Scores: scores, Aux: aux}, nil
	}
	return scores, nil
}

func (m *scriptedModel) Backward(gradScores [][]float32, gradAux float64) error {
	if len(gradScores) != m.lastN {
		return errors.Errorf("gradient for %d samples, forward had %d", len(gradScores), m.lastN)
	}
	m.backwardCalls++
	m.gradAux = append(m.gradAux, gradAux)
	for _, p := range m.Parameters() {
		if !p.RequiresGrad {
			continue
		}
		for i := range p.Grad {
			p.Grad[i] += 1
		}
	}
	return nil
}

func (m *scriptedModel) Parameters() []*model.Parameter {
	return []*model.Parameter{m.weight, m.gate}
}

func (m *scriptedModel) SetTraining(training bool) { m.training = training }

func newTestLoader(t *testing.T, ds dataset.Dataset, batchSize int, train bool) *dataloader.Loader {
	t.Helper()
	l, err := dataloader.New(ds, dataloader.Config{
		BatchSize:  batchSize,
		NumWorkers: 2,
		Shuffle:    train,
		DropLast:   train,
		Seed:       skeleton.NewSeedContext(1),
	})
	require.NoError(t, err)
	return l
}

func newTestLog(t *testing.T) *RunLog {
	t.Helper()
	log, err := NewRunLog(t.TempDir(), false, nil, "test-run")
	require.NoError(t, err)
	return log
}
