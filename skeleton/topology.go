package skeleton

import "github.com/pkg/errors"

// MirrorMap swaps left and right body parts of the 27-joint layout.
// Joint 0 stays put, joints 1-6 swap pairwise and the two 10-joint hand
// blocks exchange places.
var MirrorMap = [NumJoints]int{
	0, 2, 1, 4, 3, 6, 5,
	17, 18, 19, 20, 21, 22, 23, 24, 25, 26,
	7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
}

// Bone is a kinematic edge; the child joint is expressed relative to the parent.
type Bone struct {
	Child  int
	Parent int
}

// SignBones is the kinematic tree of the 27-joint layout rooted at joint 0.
var SignBones = []Bone{
	{1, 0}, {2, 0}, {3, 1}, {5, 3}, {4, 2}, {6, 4},
	{8, 7}, {9, 7}, {11, 7}, {13, 7}, {15, 7},
	{10, 9}, {12, 11}, {14, 13}, {16, 15},
	{18, 17}, {19, 17}, {21, 17}, {23, 17}, {25, 17},
	{20, 19}, {22, 21}, {24, 23}, {26, 25},
	{7, 5}, {17, 6},
}

// ValidatePermutation checks that perm is a bijection over [0, len(perm)).
func ValidatePermutation(perm []int) error {
	seen := make([]bool, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) {
			return errors.Errorf("permutation entry %d out of range: %d", i, p)
		}
		if seen[p] {
			return errors.Errorf("permutation maps two joints onto %d", p)
		}
		seen[p] = true
	}
	return nil
}

// ValidateTopology checks that every joint except root appears exactly once
// as a child and that no bone references a joint outside [0, numJoints).
func ValidateTopology(bones []Bone, numJoints, root int) error {
	count := make([]int, numJoints)
	for _, b := range bones {
		if b.Child < 0 || b.Child >= numJoints || b.Parent < 0 || b.Parent >= numJoints {
			return errors.Errorf("bone %d->%d outside %d joints", b.Parent, b.Child, numJoints)
		}
		count[b.Child]++
	}
	for j, c := range count {
		switch {
		case j == root && c != 0:
			return errors.Errorf("root joint %d appears as a child", j)
		case j != root && c != 1:
			return errors.Errorf("joint %d appears %d times as a child", j, c)
		}
	}
	return nil
}
