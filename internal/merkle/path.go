package merkle

import "fmt"

// Position tags whether the node on the path is the left or right child at
// its level.
type Position uint8

const (
	Left Position = iota
	Right
)

func (p Position) String() string {
	if p == Right {
		return "right"
	}
	return "left"
}

// MarshalText implements encoding.TextMarshaler.
func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Position) UnmarshalText(text []byte) error {
	switch string(text) {
	case "left":
		*p = Left
	case "right":
		*p = Right
	default:
		return fmt.Errorf("unknown path position %q", text)
	}
	return nil
}

// PathStep is one level of an inclusion path.
type PathStep struct {
	Sibling  Hash     `json:"sibling"`
	Position Position `json:"position"`
}

// Path lists sibling hashes from the leaf level up to just below the root.
type Path []PathStep

// ComputeRoot folds leaf with each step of path.
func ComputeRoot(leaf Hash, path Path) Hash {
	node := leaf
	for _, step := range path {
		if step.Position == Left {
			node = HashPair(node, step.Sibling)
		} else {
			node = HashPair(step.Sibling, node)
		}
	}
	return node
}

// VerifyPath reports whether leaf and path reproduce root.
func VerifyPath(leaf Hash, path Path, root Hash) bool {
	return ComputeRoot(leaf, path) == root
}

// Index recovers the leaf index encoded by the positions along the path.
func (p Path) Index() int {
	idx := 0
	for level, step := range p {
		if step.Position == Right {
			idx |= 1 << level
		}
	}
	return idx
}
