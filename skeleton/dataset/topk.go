package dataset

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrEmptyClass is returned when per-class accuracy is asked for a class
// with no samples in the split.
var ErrEmptyClass = errors.New("class has no samples in split")

// TopK returns the fraction of rows whose label is among the k highest
// scores. scores[i] belongs to labels[i].
func TopK(scores [][]float32, labels []int, k int) (float64, error) {
	hits, err := topKHits(scores, labels, k)
	if err != nil {
		return 0, err
	}
	if len(hits) == 0 {
		return 0, errors.New("no samples to score")
	}
	n := 0
	for _, h := range hits {
		if h {
			n++
		}
	}
	return float64(n) / float64(len(hits)), nil
}

// PerClassTopK is the mean over numClass classes of each class's top-k hit
// rate. Every class must have at least one sample.
func PerClassTopK(scores [][]float32, labels []int, numClass, k int) (float64, error) {
	hits, err := topKHits(scores, labels, k)
	if err != nil {
		return 0, err
	}
	count := make([]int, numClass)
	hit := make([]int, numClass)
	for i, l := range labels {
		if l < 0 || l >= numClass {
			return 0, errors.Errorf("label %d outside [0, %d)", l, numClass)
		}
		count[l]++
		if hits[i] {
			hit[l]++
		}
	}
	var sum float64
	for c := 0; c < numClass; c++ {
		if count[c] == 0 {
			return 0, errors.Wrapf(ErrEmptyClass, "class %d", c)
		}
		sum += float64(hit[c]) / float64(count[c])
	}
	return sum / float64(numClass), nil
}

func topKHits(scores [][]float32, labels []int, k int) ([]bool, error) {
	if k <= 0 {
		return nil, errors.Errorf("k must be positive, got %d", k)
	}
	if len(scores) != len(labels) {
		return nil, errors.Errorf("%d score rows for %d labels", len(scores), len(labels))
	}
	hits := make([]bool, len(labels))
	for i, row := range scores {
		rank := argsort(row)
		from := len(rank) - k
		if from < 0 {
			from = 0
		}
		for _, c := range rank[from:] {
			if c == labels[i] {
				hits[i] = true
				break
			}
		}
	}
	return hits, nil
}

// argsort returns indices that order row ascending; ties keep index order.
func argsort(row []float32) []int {
	idx := make([]int, len(row))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] < row[idx[b]] })
	return idx
}
