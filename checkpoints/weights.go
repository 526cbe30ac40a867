package checkpoints

import (
	"slices"
	"strings"

	"github.com/irvl/slgt-go/model"
)

// modulePrefix is prepended to parameter names by data-parallel wrappers
const modulePrefix = "module."

// ExtractWeights copies model parameters into checkpoint tensors
func ExtractWeights(params []*model.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, typ := p.Name, ""
		if i := strings.LastIndex(p.Name, "."); i >= 0 {
			layer, typ = p.Name[:i], p.Name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
			Layer: layer,
			Type:  typ,
		})
	}
	return weights
}

// LoadReport describes what a partial weight load did
type LoadReport struct {
	Loaded        []string
	Removed       []string // ignored names that were present
	NotRemoved    []string // ignored names that were absent
	Missing       []string // model parameters with no stored weight
	Unexpected    []string // stored weights the model does not have
	ShapeMismatch []string
}

// Complete reports whether every model parameter was loaded
func (r *LoadReport) Complete() bool {
	return len(r.Missing) == 0 && len(r.ShapeMismatch) == 0
}

// LoadWeights copies stored weights into params by name. Any "module." prefix
// is stripped, names in ignore are dropped, and the intersecting subset with
// matching shapes is loaded. Mismatches are reported, not fatal.
func LoadWeights(weights []WeightTensor, params []*model.Parameter, ignore []string) *LoadReport {
	stored := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		name := w.Name
		if i := strings.LastIndex(name, modulePrefix); i >= 0 {
			name = name[i+len(modulePrefix):]
		}
		stored[name] = w
	}

	report := &LoadReport{}
	for _, name := range ignore {
		if _, ok := stored[name]; ok {
			delete(stored, name)
			report.Removed = append(report.Removed, name)
		} else {
			report.NotRemoved = append(report.NotRemoved, name)
		}
	}

	for _, p := range params {
		w, ok := stored[p.Name]
		if !ok {
			report.Missing = append(report.Missing, p.Name)
			continue
		}
		delete(stored, p.Name)
		if !slices.Equal(w.Shape, p.Shape) || len(w.Data) != len(p.Data) {
			report.ShapeMismatch = append(report.ShapeMismatch, p.Name)
			continue
		}
		copy(p.Data, w.Data)
		report.Loaded = append(report.Loaded, p.Name)
	}
	for name := range stored {
		report.Unexpected = append(report.Unexpected, name)
	}
	slices.Sort(report.Unexpected)
	return report
}
