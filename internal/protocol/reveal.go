package protocol

import (
	"fmt"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
)

// BuildReveal 为内容叶子 index 构造揭示消息。offsets 必须落在 chunk 内。
func BuildReveal(round string, data []byte, tree *merkle.Tree, chunkSize, index int, offsets []int) (RevealMessage, error) {
	segment, err := merkle.Segment(data, chunkSize, index)
	if err != nil {
		return RevealMessage{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "揭示的叶子不是内容叶子")
	}
	values := make(ByteArray, len(offsets))
	for i, off := range offsets {
		if off < 0 || off >= len(segment) {
			return RevealMessage{}, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("offset %d outside chunk of %d bytes", off, len(segment)))
		}
		values[i] = segment[off]
	}
	proof, err := tree.Path(index)
	if err != nil {
		return RevealMessage{}, err
	}

	seg := make(ByteArray, len(segment))
	copy(seg, segment)
	idx := make([]int, len(offsets))
	copy(idx, offsets)
	return RevealMessage{
		Round:   round,
		Hash:    SegmentHash(merkle.HashChunk(segment)),
		Segment: seg,
		Indices: idx,
		Values:  values,
		Index:   index,
		Proof:   proof,
	}, nil
}
