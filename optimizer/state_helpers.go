package optimizer

import (
	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/checkpoints"
	"github.com/irvl/slgt-go/model"
)

// Common helper functions for optimizer state management

// extractBufferState copies one per-parameter buffer into a checkpoint tensor
func extractBufferState(p *model.Parameter, buffer []float32, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      p.Name,
		Shape:     append([]int(nil), p.Shape...),
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState returns a copy of the tensor data after checking it
// fits the parameter it belongs to
func restoreBufferState(p *model.Parameter, tensor checkpoints.OptimizerTensor) ([]float32, error) {
	if len(tensor.Data) != p.NumElements() {
		return nil, errors.Errorf("data size mismatch for %s %s: expected %d elements, got %d",
			tensor.StateType, tensor.Name, p.NumElements(), len(tensor.Data))
	}
	return append([]float32(nil), tensor.Data...), nil
}

// parameterIndex maps parameter names to their position
func parameterIndex(params []*model.Parameter) map[string]int {
	index := make(map[string]int, len(params))
	for i, p := range params {
		index[p.Name] = i
	}
	return index
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values read back from JSON are float64; in-memory states keep float32.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}
