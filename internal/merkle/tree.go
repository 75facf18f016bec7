package merkle

import (
	"fmt"

	xerrors "Fairfy-Chain/internal/errors"
)

// Tree keeps every level of a complete binary Merkle tree so that paths for
// many leaves can be produced without rehashing. levels[0] are the leaves.
type Tree struct {
	levels [][]Hash
}

// NewTree builds the tree over leaves. The leaf count must be a non-zero
// power of two.
func NewTree(leaves []Hash) (*Tree, error) {
	if !IsPowerOfTwo(len(leaves)) {
		return nil, xerrors.Wrap(xerrors.CodeInvalidLeafCount, nil,
			fmt.Sprintf("got %d leaves, need a non-zero power of two", len(leaves)))
	}
	level := make([]Hash, len(leaves))
	copy(level, leaves)
	levels := [][]Hash{level}
	for len(level) > 1 {
		next := make([]Hash, len(level)/2)
		for i := range next {
			next[i] = HashPair(level[2*i], level[2*i+1])
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the tree root. A single-leaf tree's root is the leaf itself.
func (t *Tree) Root() Hash {
	return t.levels[len(t.levels)-1][0]
}

// Depth is log2 of the leaf count.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// LeafCount returns the number of leaves including padding.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Leaves returns a copy of the leaf level.
func (t *Tree) Leaves() []Hash {
	out := make([]Hash, len(t.levels[0]))
	copy(out, t.levels[0])
	return out
}

// Path returns the inclusion path of the leaf at index.
func (t *Tree) Path(index int) (Path, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("leaf index %d out of range [0,%d)", index, t.LeafCount()))
	}
	path := make(Path, 0, t.Depth())
	idx := index
	for _, level := range t.levels[:t.Depth()] {
		if idx%2 == 0 {
			path = append(path, PathStep{Sibling: level[idx+1], Position: Left})
		} else {
			path = append(path, PathStep{Sibling: level[idx-1], Position: Right})
		}
		idx /= 2
	}
	return path, nil
}

// BuildRoot computes the root of leaves.
func BuildRoot(leaves []Hash) (Hash, error) {
	t, err := NewTree(leaves)
	if err != nil {
		return Hash{}, err
	}
	return t.Root(), nil
}

// BuildPath computes the inclusion path of leaves[index].
func BuildPath(leaves []Hash, index int) (Path, error) {
	t, err := NewTree(leaves)
	if err != nil {
		return nil, err
	}
	return t.Path(index)
}
