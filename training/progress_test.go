package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/irvl/slgt-go/model"
)

// TestProgressBar tests the basic progress bar functionality
func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Testing", 10)

	for i := 1; i <= 10; i++ {
		metrics := map[string]float64{
			"loss":     1.0 - float64(i)*0.08,
			"accuracy": float64(i) * 0.09,
		}
		pb.Update(i, metrics)
	}
	pb.Finish()

	out := buf.String()
	if !strings.Contains(out, "Testing: 100%") {
		t.Errorf("Expected completed bar, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Expected newline after Finish")
	}
}

// TestProgressBarFormatting tests various formatting scenarios
func TestProgressBarFormatting(t *testing.T) {
	pb := NewProgressBar(nil, "Formatting Test", 4)
	pb.Update(2, map[string]float64{"val_loss": 0.1234, "top1_acc": 0.5, "aux": 1})

	line := pb.Line()
	if !strings.Contains(line, "2/4") || !strings.Contains(line, " 50%") {
		t.Errorf("Unexpected progress in %q", line)
	}
	if !strings.Contains(line, "top1_acc=50.00%") {
		t.Errorf("Expected accuracy as percent in %q", line)
	}
	if !strings.Contains(line, "val_loss=0.1234") {
		t.Errorf("Expected loss value in %q", line)
	}
	// metrics are rendered in key order
	if strings.Index(line, "aux=") > strings.Index(line, "top1_acc=") {
		t.Errorf("Expected sorted metrics in %q", line)
	}
}

func TestProgressBarZeroTotal(t *testing.T) {
	pb := NewProgressBar(nil, "Empty", 0)
	if !strings.Contains(pb.Line(), "100%") {
		t.Errorf("Expected empty bar to read complete, got %q", pb.Line())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{0, "00:00"},
		{65 * time.Second, "01:05"},
		{61 * time.Minute, "61:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.d, got, tt.expected)
		}
	}
}

func TestParameterPrinter(t *testing.T) {
	w := model.NewParameter("fc.weight", 10, 200)
	b := model.NewParameter("fc.bias", 10)
	b.RequiresGrad = false

	var buf bytes.Buffer
	NewParameterPrinter("Linear").Print(&buf, []*model.Parameter{w, b})

	out := buf.String()
	for _, want := range []string{"Linear(", "fc.weight", "[10, 200]", "2,000", "(frozen)", "Total params: 2,010", "Trainable params: 2,000", "Non-trainable params: 10"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

// BenchmarkProgressBar benchmarks progress bar performance
func BenchmarkProgressBar(b *testing.B) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Benchmark", b.N)
	metrics := map[string]float64{
		"loss":     0.5,
		"accuracy": 0.8,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pb.Update(i+1, metrics)
	}
}
