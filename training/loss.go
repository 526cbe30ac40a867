package training

import (
	"math"

	"github.com/pkg/errors"
)

// Loss computes a scalar loss over a batch of class scores and its gradient
// with respect to those scores
type Loss interface {
	Forward(scores [][]float32, labels []int) (float64, error)
	Backward(scores [][]float32, labels []int) ([][]float32, error)
}

// CrossEntropyLoss implements softmax cross entropy for classification
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the cross entropy of raw scores against class indices
func (ce *CrossEntropyLoss) Forward(scores [][]float32, labels []int) (float64, error) {
	if err := checkBatch(scores, labels); err != nil {
		return 0, err
	}
	var total float64
	for i, row := range scores {
		// -log softmax(row)[label] = logsumexp(row) - row[label]
		total += logSumExp(row) - float64(row[labels[i]])
	}
	if ce.reduction == "mean" && len(scores) > 0 {
		total /= float64(len(scores))
	}
	return total, nil
}

// Backward computes the gradient of the loss: softmax minus one-hot, scaled
// by 1/N under mean reduction
func (ce *CrossEntropyLoss) Backward(scores [][]float32, labels []int) ([][]float32, error) {
	if err := checkBatch(scores, labels); err != nil {
		return nil, err
	}
	scale := 1.0
	if ce.reduction == "mean" && len(scores) > 0 {
		scale = 1 / float64(len(scores))
	}
	grad := make([][]float32, len(scores))
	for i, row := range scores {
		probs := Softmax(row)
		g := make([]float32, len(row))
		for k, p := range probs {
			if k == labels[i] {
				p -= 1
			}
			g[k] = float32(p * scale)
		}
		grad[i] = g
	}
	return grad, nil
}

func checkBatch(scores [][]float32, labels []int) error {
	if len(scores) != len(labels) {
		return errors.Errorf("batch size mismatch: %d score rows, %d labels", len(scores), len(labels))
	}
	for i, row := range scores {
		if labels[i] < 0 || labels[i] >= len(row) {
			return errors.Errorf("target class %d out of range [0, %d)", labels[i], len(row))
		}
	}
	return nil
}

// Softmax converts one row of scores to probabilities
func Softmax(row []float32) []float64 {
	out := make([]float64, len(row))
	if len(row) == 0 {
		return out
	}
	lse := logSumExp(row)
	for i, v := range row {
		out[i] = math.Exp(float64(v) - lse)
	}
	return out
}

func logSumExp(row []float32) float64 {
	maxVal := math.Inf(-1)
	for _, v := range row {
		maxVal = math.Max(maxVal, float64(v))
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxVal)
	}
	return maxVal + math.Log(sum)
}
