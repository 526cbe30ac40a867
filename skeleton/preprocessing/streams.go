package preprocessing

import (
	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/skeleton"
)

// StreamOrder names the composition order when both streams are enabled
type StreamOrder int

const (
	// StreamOrderBoneThenMotion derives bones first, then differentiates them over time.
	StreamOrderBoneThenMotion StreamOrder = iota
	// StreamOrderMotionThenBone differentiates joints over time, then takes bone offsets.
	StreamOrderMotionThenBone
)

func (o StreamOrder) String() string {
	switch o {
	case StreamOrderBoneThenMotion:
		return "bone->motion"
	case StreamOrderMotionThenBone:
		return "motion->bone"
	default:
		return "unknown"
	}
}

// StreamDeriver converts absolute joint positions into bone and/or motion streams.
type StreamDeriver struct {
	Bone   bool
	Motion bool
	Bones  []skeleton.Bone
	Order  StreamOrder
}

// Derive applies the enabled transforms in d.Order. The input is never modified.
func (d StreamDeriver) Derive(in *skeleton.Sample) (*skeleton.Sample, error) {
	out := in
	if d.Motion && d.Order == StreamOrderMotionThenBone {
		out = MotionStream(out)
	}
	if d.Bone {
		var err error
		if out, err = BoneStream(out, d.Bones); err != nil {
			return nil, err
		}
	}
	if d.Motion && d.Order == StreamOrderBoneThenMotion {
		out = MotionStream(out)
	}
	return out, nil
}

// BoneStream returns a copy of src where every child joint holds its offset
// from its parent. All differences read from src so pair order is irrelevant.
func BoneStream(src *skeleton.Sample, bones []skeleton.Bone) (*skeleton.Sample, error) {
	for _, b := range bones {
		if b.Child >= src.V || b.Parent >= src.V || b.Child < 0 || b.Parent < 0 {
			return nil, errors.Wrapf(ErrShape, "bone %d->%d with %d joints", b.Parent, b.Child, src.V)
		}
	}
	out := src.Clone()
	for c := 0; c < src.C; c++ {
		for t := 0; t < src.T; t++ {
			for _, b := range bones {
				for m := 0; m < src.M; m++ {
					out.Set(c, t, b.Child, m, src.At(c, t, b.Child, m)-src.At(c, t, b.Parent, m))
				}
			}
		}
	}
	return out, nil
}

// MotionStream returns frame-to-frame differences; the last frame is zero.
func MotionStream(src *skeleton.Sample) *skeleton.Sample {
	out := skeleton.NewSample(src.C, src.T, src.V, src.M)
	for c := 0; c < src.C; c++ {
		for t := 0; t+1 < src.T; t++ {
			next, cur, dst := src.Frame(c, t+1), src.Frame(c, t), out.Frame(c, t)
			for i := range dst {
				dst[i] = next[i] - cur[i]
			}
		}
	}
	return out
}
