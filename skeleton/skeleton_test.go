package skeleton

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorMapIsInvolution(t *testing.T) {
	require.NoError(t, ValidatePermutation(MirrorMap[:]))
	for j := 0; j < NumJoints; j++ {
		assert.Equal(t, j, MirrorMap[MirrorMap[j]], "joint %d", j)
	}
}

func TestSignBonesTopology(t *testing.T) {
	require.Len(t, SignBones, NumJoints-1)
	require.NoError(t, ValidateTopology(SignBones, NumJoints, 0))
}

func TestValidateTopologyRejects(t *testing.T) {
	tests := []struct {
		name  string
		bones []Bone
	}{
		{"duplicate child", []Bone{{1, 0}, {1, 0}, {2, 0}}},
		{"missing child", []Bone{{1, 0}}},
		{"root as child", []Bone{{0, 1}, {1, 0}, {2, 0}}},
		{"out of range", []Bone{{1, 0}, {3, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateTopology(tt.bones, 3, 0))
		})
	}
}

func TestSampleIndexing(t *testing.T) {
	s := NewSample(3, 4, 5, 2)
	s.Set(2, 3, 4, 1, 7)
	assert.Equal(t, float32(7), s.Data[len(s.Data)-1])
	assert.Equal(t, float32(7), s.At(2, 3, 4, 1))

	c := s.Clone()
	c.Set(2, 3, 4, 1, 1)
	assert.Equal(t, float32(7), s.At(2, 3, 4, 1), "clone must not alias")

	frame := s.Frame(2, 3)
	assert.Len(t, frame, 10)
	assert.Equal(t, float32(7), frame[len(frame)-1])
}

func TestFromDataLength(t *testing.T) {
	_, err := FromData(make([]float32, 5), 1, 2, 3, 1)
	assert.Error(t, err)

	s, err := FromData(make([]float32, 6), 1, 2, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 1}, s.Shape())
}

func TestZeroInf(t *testing.T) {
	s := NewSample(1, 1, 4, 1)
	s.Data[0] = float32(math.Inf(1))
	s.Data[2] = float32(math.Inf(-1))
	s.Data[3] = 2
	assert.Equal(t, 2, s.ZeroInf())
	assert.Equal(t, []float32{0, 0, 0, 2}, s.Data)
}

func TestSeedContextDeterministic(t *testing.T) {
	a := NewSeedContext(1).Worker(3, 2)
	b := NewSeedContext(1).Worker(3, 2)
	c := NewSeedContext(1).Worker(3, 1)
	x, y, z := a.Int63(), b.Int63(), c.Int63()
	assert.Equal(t, x, y)
	assert.NotEqual(t, x, z)
}
