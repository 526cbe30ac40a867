package training

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	AUCROC // macro one-vs-rest
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case AUCROC:
		return "AUCROC"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// UpdateFromPredictions adds one batch of score rows. The predicted class is
// the argmax of each row; the first maximum wins ties.
func (cm *ConfusionMatrix) UpdateFromPredictions(scores [][]float32, trueLabels []int) error {
	if len(scores) != len(trueLabels) {
		return errors.Errorf("labels length mismatch: expected %d, got %d", len(scores), len(trueLabels))
	}
	for i, row := range scores {
		if len(row) != cm.NumClasses {
			return errors.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, len(row))
		}
		trueClass := trueLabels[i]
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return errors.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][Argmax(row)]++
		cm.TotalSamples++
	}
	return nil
}

// Argmax returns the index of the largest score
func Argmax(row []float32) int {
	maxIdx := 0
	for j := 1; j < len(row); j++ {
		if row[j] > row[maxIdx] {
			maxIdx = j
		}
	}
	return maxIdx
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Recall of one class: TP / (TP + FN). 0 when the class has no samples.
func (cm *ConfusionMatrix) Recall(class int) float64 {
	tp := cm.Matrix[class][class]
	total := 0
	for j := 0; j < cm.NumClasses; j++ {
		total += cm.Matrix[class][j]
	}
	if total == 0 {
		return 0.0
	}
	return float64(tp) / float64(total)
}

// Precision of one class: TP / (TP + FP). 0 when the class was never predicted.
func (cm *ConfusionMatrix) Precision(class int) float64 {
	tp := cm.Matrix[class][class]
	total := 0
	for i := 0; i < cm.NumClasses; i++ {
		total += cm.Matrix[i][class]
	}
	if total == 0 {
		return 0.0
	}
	return float64(tp) / float64(total)
}

// F1 of one class
func (cm *ConfusionMatrix) F1(class int) float64 {
	precision := cm.Precision(class)
	recall := cm.Recall(class)
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// PerClass evaluates fn for every class
func (cm *ConfusionMatrix) PerClass(fn func(class int) float64) []float64 {
	out := make([]float64, cm.NumClasses)
	for c := range out {
		out[c] = fn(c)
	}
	return out
}

// GetMetric calculates a macro-averaged metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return mean(cm.PerClass(cm.Precision))
	case MacroRecall:
		return mean(cm.PerClass(cm.Recall))
	case MacroF1:
		return mean(cm.PerClass(cm.F1))
	default:
		return 0.0
	}
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

// CalculateAUCROC calculates the area under the ROC curve of one binary
// problem. Tied scores are grouped so the curve takes one diagonal step per
// distinct threshold. ok is false when either class is absent.
func CalculateAUCROC(scores []float64, positive []bool) (auc float64, ok bool) {
	if len(scores) != len(positive) {
		return 0, false
	}

	type predLabel struct {
		score float64
		pos   bool
	}
	pairs := make([]predLabel, len(scores))
	totalPos, totalNeg := 0, 0
	for i := range scores {
		pairs[i] = predLabel{score: scores[i], pos: positive[i]}
		if positive[i] {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0, false
	}

	// Sort by prediction score (descending)
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].pos {
				tp++
			} else {
				fp++
			}
			j++
		}
		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		// Add trapezoid area
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc, true
}

// StreamingMetrics accumulates an evaluation split batch by batch: the
// confusion matrix for accuracy, recall, precision and F1, and the softmax
// probabilities needed for one-vs-rest AUROC.
type StreamingMetrics struct {
	cm     *ConfusionMatrix
	probs  [][]float64
	labels []int
}

// NewStreamingMetrics creates an empty accumulator
func NewStreamingMetrics(numClasses int) *StreamingMetrics {
	return &StreamingMetrics{cm: NewConfusionMatrix(numClasses)}
}

// Update adds one batch
func (s *StreamingMetrics) Update(scores [][]float32, labels []int) error {
	if err := s.cm.UpdateFromPredictions(scores, labels); err != nil {
		return err
	}
	for i, row := range scores {
		s.probs = append(s.probs, Softmax(row))
		s.labels = append(s.labels, labels[i])
	}
	return nil
}

// Matrix exposes the confusion matrix
func (s *StreamingMetrics) Matrix() *ConfusionMatrix {
	return s.cm
}

// AUROC is the macro average of one-vs-rest AUROC over the classes that have
// both positive and negative samples.
func (s *StreamingMetrics) AUROC() float64 {
	var sum float64
	n := 0
	col := make([]float64, len(s.probs))
	pos := make([]bool, len(s.probs))
	for c := 0; c < s.cm.NumClasses; c++ {
		for i, p := range s.probs {
			col[i] = p[c]
			pos[i] = s.labels[i] == c
		}
		if auc, ok := CalculateAUCROC(col, pos); ok {
			sum += auc
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Summary is the scalar view of the streaming metrics
type Summary struct {
	Accuracy  float64
	Recall    []float64
	Precision []float64
	F1        []float64
	AUROC     float64
}

// Compute finalizes the accumulated metrics
func (s *StreamingMetrics) Compute() Summary {
	return Summary{
		Accuracy:  s.cm.GetAccuracy(),
		Recall:    s.cm.PerClass(s.cm.Recall),
		Precision: s.cm.PerClass(s.cm.Precision),
		F1:        s.cm.PerClass(s.cm.F1),
		AUROC:     s.AUROC(),
	}
}

// MacroF1 averages the per-class F1 scores
func (s Summary) MacroF1() float64 {
	return mean(s.F1)
}
