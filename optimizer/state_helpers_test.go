package optimizer

import (
	"testing"

	"github.com/irvl/slgt-go/checkpoints"
	"github.com/irvl/slgt-go/model"
)

// TestExtractFloat32Param tests the extractFloat32Param helper function
func TestExtractFloat32Param(t *testing.T) {
	tests := []struct {
		name         string
		params       map[string]interface{}
		key          string
		defaultValue float32
		expected     float32
	}{
		{
			name:         "existing_float64_param",
			params:       map[string]interface{}{"learning_rate": float64(0.01)},
			key:          "learning_rate",
			defaultValue: 0.001,
			expected:     0.01,
		},
		{
			name:         "existing_float32_param",
			params:       map[string]interface{}{"learning_rate": float32(0.02)},
			key:          "learning_rate",
			defaultValue: 0.001,
			expected:     0.02,
		},
		{
			name:         "missing_param",
			params:       map[string]interface{}{"beta1": float64(0.9)},
			key:          "learning_rate",
			defaultValue: 0.001,
			expected:     0.001,
		},
		{
			name:         "wrong_type_param",
			params:       map[string]interface{}{"learning_rate": "0.01"},
			key:          "learning_rate",
			defaultValue: 0.001,
			expected:     0.001,
		},
		{
			name:         "zero_value",
			params:       map[string]interface{}{"learning_rate": float64(0.0)},
			key:          "learning_rate",
			defaultValue: 0.001,
			expected:     0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractFloat32Param(tt.params, tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("extractFloat32Param() = %f, want %f", result, tt.expected)
			}
		})
	}
}

func TestExtractBoolAndUint64Params(t *testing.T) {
	params := map[string]interface{}{
		"nesterov":   true,
		"step_count": float64(42),
		"steps_mem":  uint64(7),
		"bad":        "yes",
	}
	if !extractBoolParam(params, "nesterov", false) {
		t.Error("Expected nesterov true")
	}
	if extractBoolParam(params, "bad", false) {
		t.Error("Expected default for wrong type")
	}
	if got := extractUint64Param(params, "step_count", 0); got != 42 {
		t.Errorf("extractUint64Param() = %d, want 42", got)
	}
	if got := extractUint64Param(params, "steps_mem", 0); got != 7 {
		t.Errorf("extractUint64Param() = %d, want 7", got)
	}
	if got := extractUint64Param(params, "missing", 3); got != 3 {
		t.Errorf("extractUint64Param() = %d, want default 3", got)
	}
}

func TestBufferStateHelpers(t *testing.T) {
	p := model.NewParameter("fc.weight", 2, 2)
	buffer := []float32{1, 2, 3, 4}

	tensor := extractBufferState(p, buffer, "momentum")
	buffer[0] = 9
	if tensor.Data[0] != 1 {
		t.Error("extractBufferState must copy the buffer")
	}
	if tensor.Name != "fc.weight" || tensor.StateType != "momentum" || len(tensor.Shape) != 2 {
		t.Errorf("Unexpected tensor %+v", tensor)
	}

	restored, err := restoreBufferState(p, tensor)
	if err != nil {
		t.Fatalf("restoreBufferState failed: %v", err)
	}
	if restored[3] != 4 {
		t.Errorf("Expected restored data, got %v", restored)
	}

	_, err = restoreBufferState(p, checkpoints.OptimizerTensor{Name: "fc.weight", Data: []float32{1}})
	if err == nil {
		t.Error("Expected size mismatch error")
	}
}
