package skeleton

import (
	"math"

	"github.com/pkg/errors"
)

// Layout constants for the 27-joint sign keypoint format
const (
	NumChannels = 3   // x, y, confidence
	NumJoints   = 27  // joints per person
	FrameSize   = 512 // width of the source video frame in pixels
)

// Sample is a skeleton sequence with axes (channel, time, joint, person)
// stored contiguously in row-major order.
type Sample struct {
	C, T, V, M int
	Data       []float32
}

// NewSample allocates a zero-filled sample
func NewSample(c, t, v, m int) *Sample {
	return &Sample{C: c, T: t, V: v, M: m, Data: make([]float32, c*t*v*m)}
}

// FromData wraps an existing buffer, validating its length against the shape
func FromData(data []float32, c, t, v, m int) (*Sample, error) {
	if c < 0 || t < 0 || v < 0 || m < 0 {
		return nil, errors.Errorf("negative sample shape (%d, %d, %d, %d)", c, t, v, m)
	}
	if len(data) != c*t*v*m {
		return nil, errors.Errorf("sample buffer has %d values, shape (%d, %d, %d, %d) needs %d",
			len(data), c, t, v, m, c*t*v*m)
	}
	return &Sample{C: c, T: t, V: v, M: m, Data: data}, nil
}

// Index returns the flat offset of element (c, t, v, m)
func (s *Sample) Index(c, t, v, m int) int {
	return ((c*s.T+t)*s.V+v)*s.M + m
}

// At returns element (c, t, v, m)
func (s *Sample) At(c, t, v, m int) float32 {
	return s.Data[s.Index(c, t, v, m)]
}

// Set stores element (c, t, v, m)
func (s *Sample) Set(c, t, v, m int, val float32) {
	s.Data[s.Index(c, t, v, m)] = val
}

// Shape returns the dimensions as a slice
func (s *Sample) Shape() []int {
	return []int{s.C, s.T, s.V, s.M}
}

// Len is the number of scalar values
func (s *Sample) Len() int {
	return len(s.Data)
}

// Clone returns a deep copy
func (s *Sample) Clone() *Sample {
	data := make([]float32, len(s.Data))
	copy(data, s.Data)
	return &Sample{C: s.C, T: s.T, V: s.V, M: s.M, Data: data}
}

// ZeroInf replaces every infinite value with zero and returns how many were replaced.
func (s *Sample) ZeroInf() int {
	n := 0
	for i, v := range s.Data {
		if math.IsInf(float64(v), 0) {
			s.Data[i] = 0
			n++
		}
	}
	return n
}

// frameStride is the distance between (c, t) and (c, t+1)
func (s *Sample) frameStride() int {
	return s.V * s.M
}

// Frame returns a view of channel c at time t (V*M values, joint-major).
func (s *Sample) Frame(c, t int) []float32 {
	start := (c*s.T + t) * s.frameStride()
	return s.Data[start : start+s.frameStride()]
}
