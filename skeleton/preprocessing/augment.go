package preprocessing

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/skeleton"
)

// ErrShape reports a sample that violates a transform's shape precondition.
var ErrShape = errors.New("skeleton shape precondition violated")

// Augmenter holds the per-sample spatial transforms. They run in the order
// mirror, normalization, shift, move.
type Augmenter struct {
	Mirror    bool
	MirrorP   float64
	Normalize bool
	Shift     bool
	Move      *RandomMove // nil disables

	// IsVector marks offset data (bone or motion streams) rather than positions.
	IsVector bool
	// BoneStream disables shifting; bone offsets do not depend on translation.
	BoneStream bool
	FrameSize  float32
}

// Apply runs the enabled transforms in place.
func (a Augmenter) Apply(s *skeleton.Sample, rng *rand.Rand) error {
	// Mirroring fires when the draw exceeds MirrorP, i.e. with probability 1-MirrorP.
	// TODO: the gate reads inverted against the parameter name; flipping it
	// changes the augmentation of every existing config.
	if a.Mirror && rng.Float64() > a.MirrorP {
		if err := Mirror(s, a.IsVector, a.frameSize()); err != nil {
			return err
		}
	}
	if a.Normalize {
		if err := Normalize(s, a.IsVector); err != nil {
			return err
		}
	}
	if a.Shift && !a.BoneStream {
		dx := float32(rng.Float64()*20 - 10)
		dy := float32(rng.Float64()*20 - 10)
		if err := Shift(s, a.IsVector, dx, dy); err != nil {
			return err
		}
	}
	if a.Move != nil {
		if err := a.Move.Apply(s, rng); err != nil {
			return err
		}
	}
	return nil
}

func (a Augmenter) frameSize() float32 {
	if a.FrameSize <= 0 {
		return skeleton.FrameSize
	}
	return a.FrameSize
}

// Mirror swaps left and right joints using skeleton.MirrorMap and flips x:
// negated for vector data, reflected as frameSize-x for positions.
func Mirror(s *skeleton.Sample, isVector bool, frameSize float32) error {
	if s.V != skeleton.NumJoints {
		return errors.Wrapf(ErrShape, "mirror needs %d joints, got %d", skeleton.NumJoints, s.V)
	}
	if s.C != skeleton.NumChannels {
		return errors.Wrapf(ErrShape, "mirror needs %d channels, got %d", skeleton.NumChannels, s.C)
	}
	src := s.Clone()
	for c := 0; c < s.C; c++ {
		for t := 0; t < s.T; t++ {
			for v := 0; v < s.V; v++ {
				for m := 0; m < s.M; m++ {
					val := src.At(c, t, skeleton.MirrorMap[v], m)
					if c == 0 {
						if isVector {
							val = -val
						} else {
							val = frameSize - val
						}
					}
					s.Set(c, t, v, m, val)
				}
			}
		}
	}
	return nil
}

// Normalize centres x and y on the temporal mean of joint 0 of person 0.
// Position data is shifted as a whole; vector data only at joint 0.
func Normalize(s *skeleton.Sample, isVector bool) error {
	if s.C != skeleton.NumChannels {
		return errors.Wrapf(ErrShape, "normalization needs %d channels, got %d", skeleton.NumChannels, s.C)
	}
	if s.M < 2 {
		return errors.Wrapf(ErrShape, "normalization needs at least 2 persons, got %d", s.M)
	}
	if s.T == 0 {
		return nil
	}
	for c := 0; c < 2; c++ {
		var sum float64
		for t := 0; t < s.T; t++ {
			sum += float64(s.At(c, t, 0, 0))
		}
		mean := float32(sum / float64(s.T))
		addChannel(s, c, isVector, -mean)
	}
	return nil
}

// Shift translates x by dx and y by dy.
func Shift(s *skeleton.Sample, isVector bool, dx, dy float32) error {
	if s.C < 2 {
		return errors.Wrapf(ErrShape, "shift needs x and y channels, got %d", s.C)
	}
	addChannel(s, 0, isVector, dx)
	addChannel(s, 1, isVector, dy)
	return nil
}

// addChannel adds delta to channel c, to every joint or only joint 0.
func addChannel(s *skeleton.Sample, c int, rootOnly bool, delta float32) {
	for t := 0; t < s.T; t++ {
		frame := s.Frame(c, t)
		if rootOnly {
			for m := 0; m < s.M; m++ {
				frame[m] += delta
			}
			continue
		}
		for i := range frame {
			frame[i] += delta
		}
	}
}
