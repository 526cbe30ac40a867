package preprocessing

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/skeleton"
)

// RandomMove is a whole-sequence affine jitter of the x/y plane. Rotation,
// scale and translation are drawn at MoveTime+1 evenly spaced key frames and
// linearly interpolated in between.
type RandomMove struct {
	Angles       []float64 // degrees
	Scales       []float64
	Translations []float64
	MoveTimes    []int
}

// DefaultRandomMove returns the candidate sets used for skeleton training
func DefaultRandomMove() *RandomMove {
	return &RandomMove{
		Angles:       []float64{-10, -5, 0, 5, 10},
		Scales:       []float64{0.9, 1.0, 1.1},
		Translations: []float64{-0.2, -0.1, 0, 0.1, 0.2},
		MoveTimes:    []int{1},
	}
}

// Apply transforms s in place.
func (r *RandomMove) Apply(s *skeleton.Sample, rng *rand.Rand) error {
	if s.C < 2 {
		return errors.Wrapf(ErrShape, "random move needs x and y channels, got %d", s.C)
	}
	if s.T == 0 {
		return nil
	}
	if len(r.Angles) == 0 || len(r.Scales) == 0 || len(r.Translations) == 0 || len(r.MoveTimes) == 0 {
		return errors.New("random move has an empty candidate set")
	}

	moveTime := r.MoveTimes[rng.Intn(len(r.MoveTimes))]
	if moveTime < 1 {
		moveTime = 1
	}
	nodes := keyFrames(s.T, moveTime)

	pick := func(c []float64) []float64 {
		out := make([]float64, len(nodes))
		for i := range out {
			out[i] = c[rng.Intn(len(c))]
		}
		return out
	}
	angles, scales := pick(r.Angles), pick(r.Scales)
	tx, ty := pick(r.Translations), pick(r.Translations)

	a := make([]float64, s.T)
	sc := make([]float64, s.T)
	dx := make([]float64, s.T)
	dy := make([]float64, s.T)
	for i := 0; i+1 < len(nodes); i++ {
		from, to := nodes[i], nodes[i+1]
		linspace(a[from:to], angles[i]*math.Pi/180, angles[i+1]*math.Pi/180)
		linspace(sc[from:to], scales[i], scales[i+1])
		linspace(dx[from:to], tx[i], tx[i+1])
		linspace(dy[from:to], ty[i], ty[i+1])
	}

	for t := 0; t < s.T; t++ {
		cos, sin := math.Cos(a[t])*sc[t], math.Sin(a[t])*sc[t]
		xs, ys := s.Frame(0, t), s.Frame(1, t)
		for i := range xs {
			x, y := float64(xs[i]), float64(ys[i])
			xs[i] = float32(cos*x - sin*y + dx[t])
			ys[i] = float32(sin*x + cos*y + dy[t])
		}
	}
	return nil
}

// keyFrames returns round(k*T/moveTime) for each segment start plus T.
func keyFrames(T, moveTime int) []int {
	step := float64(T) / float64(moveTime)
	var nodes []int
	for x := 0.0; x < float64(T); x += step {
		nodes = append(nodes, int(math.RoundToEven(x)))
	}
	return append(nodes, T)
}

// linspace fills dst with len(dst) evenly spaced values from start to stop inclusive.
func linspace(dst []float64, start, stop float64) {
	switch len(dst) {
	case 0:
		return
	case 1:
		dst[0] = start
		return
	}
	step := (stop - start) / float64(len(dst)-1)
	for i := range dst {
		dst[i] = start + step*float64(i)
	}
}
