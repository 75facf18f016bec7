package merkle

import (
	"fmt"

	xerrors "Fairfy-Chain/internal/errors"
)

var (
	// ErrInvalidLeafCount is returned for empty or non power-of-two leaf sets.
	ErrInvalidLeafCount = xerrors.New(xerrors.CodeInvalidLeafCount, "")
	// ErrEmptySnapshot is returned when a snapshot is shorter than one chunk.
	ErrEmptySnapshot = xerrors.New(xerrors.CodeEmptySnapshot, "")
)

// NextPowerOfTwo returns the smallest power of two >= n, and 1 for n <= 1.
func NextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// ContentLeafCount is the number of whole chunks in a snapshot of the given
// length. A trailing partial chunk is not counted.
func ContentLeafCount(length, chunkSize int) int {
	if chunkSize <= 0 || length <= 0 {
		return 0
	}
	return length / chunkSize
}

// DeriveLeaves hashes every whole chunk of data in order, drops the trailing
// partial chunk and pads with the sentinel to the next power of two.
func DeriveLeaves(data []byte, chunkSize int) ([]Hash, error) {
	if chunkSize <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("chunk size must be positive, got %d", chunkSize))
	}
	n := ContentLeafCount(len(data), chunkSize)
	if n == 0 {
		return nil, xerrors.Wrap(xerrors.CodeEmptySnapshot, nil,
			fmt.Sprintf("snapshot of %d bytes holds no %d-byte chunk", len(data), chunkSize))
	}

	leaves := make([]Hash, NextPowerOfTwo(n))
	for i := 0; i < n; i++ {
		leaves[i] = HashChunk(data[i*chunkSize : (i+1)*chunkSize])
	}
	// remaining entries are already the zero sentinel
	return leaves, nil
}

// Segment returns the bytes of content leaf index.
func Segment(data []byte, chunkSize, index int) ([]byte, error) {
	n := ContentLeafCount(len(data), chunkSize)
	if index < 0 || index >= n {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("leaf index %d outside %d content leaves", index, n))
	}
	return data[index*chunkSize : (index+1)*chunkSize], nil
}
