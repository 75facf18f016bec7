package protocol

import (
	stdErrors "errors"
	"testing"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
)

// image4096 模拟一个 4096 字节的快照，chunk 为 2048 时得到两个叶子。
func image4096() []byte {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func commitFor(t *testing.T, data []byte, chunk int) (*merkle.Tree, Commitment) {
	t.Helper()
	tree := mustTree(t, data, chunk)
	c, err := VerifyCommit(NewCommit("r", tree.Root(), tree.Leaves(), DefaultCommitBatch))
	if err != nil {
		t.Fatalf("verify commit: %v", err)
	}
	return tree, c
}

func TestEndToEndRevealAccepted(t *testing.T) {
	data := image4096()
	tree, commitment := commitFor(t, data, 2048)
	if tree.LeafCount() != 2 {
		t.Fatalf("expected 2 leaves, got %d", tree.LeafCount())
	}

	reveal, err := BuildReveal("r", data, tree, 2048, 0, []int{0, 1, 2})
	if err != nil {
		t.Fatalf("build reveal: %v", err)
	}
	if err := VerifyReveal(reveal, commitment, VerifyOptions{}); err != nil {
		t.Fatalf("reveal should be accepted: %v", err)
	}
	if err := VerifyReveal(reveal, commitment, VerifyOptions{MembershipOnly: true}); err != nil {
		t.Fatalf("reveal should be accepted in membership mode: %v", err)
	}
}

func TestEndToEndOffByOneValueRejected(t *testing.T) {
	data := image4096()
	tree, commitment := commitFor(t, data, 2048)
	reveal, _ := BuildReveal("r", data, tree, 2048, 0, []int{0, 1, 2})
	reveal.Values[1]++

	err := VerifyReveal(reveal, commitment, VerifyOptions{})
	if !stdErrors.Is(err, ErrRevealRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if RejectionReason(err) != ReasonValueMismatch {
		t.Fatalf("unexpected reason: %q", RejectionReason(err))
	}
}

func TestRevealRejections(t *testing.T) {
	data := make([]byte, 8*64)
	for i := range data {
		data[i] = byte(i * 13)
	}
	tree, commitment := commitFor(t, data, 64)

	base, err := BuildReveal("r", data, tree, 64, 5, []int{3, 9, 63})
	if err != nil {
		t.Fatalf("build reveal: %v", err)
	}
	if err := VerifyReveal(base, commitment, VerifyOptions{}); err != nil {
		t.Fatalf("base reveal rejected: %v", err)
	}

	clone := func() RevealMessage {
		r := base
		r.Segment = append(ByteArray(nil), base.Segment...)
		r.Values = append(ByteArray(nil), base.Values...)
		r.Indices = append([]int(nil), base.Indices...)
		r.Proof = append(merkle.Path(nil), base.Proof...)
		return r
	}

	cases := []struct {
		name   string
		mutate func(*RevealMessage)
		reason string
	}{
		{"segment byte flipped", func(r *RevealMessage) { r.Segment[10] ^= 1 }, ReasonHashMismatch},
		{"hash flipped", func(r *RevealMessage) { r.Hash[0] ^= 1 }, ReasonHashMismatch},
		{"missing value", func(r *RevealMessage) { r.Values = r.Values[:2] }, ReasonLengthMismatch},
		{"offset past segment", func(r *RevealMessage) { r.Indices[2] = 64 }, ReasonOffsetOutOfRange},
		{"negative offset", func(r *RevealMessage) { r.Indices[0] = -1 }, ReasonOffsetOutOfRange},
		{"wrong index", func(r *RevealMessage) { r.Index = 4 }, ReasonIndexMismatch},
		{"index past leaves", func(r *RevealMessage) { r.Index = 99 }, ReasonIndexMismatch},
		{"corrupt proof", func(r *RevealMessage) { r.Proof[1].Sibling[5] ^= 1 }, ReasonInclusionFailed},
		{"truncated proof", func(r *RevealMessage) { r.Proof = r.Proof[:2] }, ReasonInclusionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := clone()
			tc.mutate(&r)
			err := VerifyReveal(r, commitment, VerifyOptions{})
			if !stdErrors.Is(err, ErrRevealRejected) {
				t.Fatalf("expected rejection, got %v", err)
			}
			if got := RejectionReason(err); got != tc.reason {
				t.Fatalf("unexpected reason %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestMembershipOnlyIgnoresProof(t *testing.T) {
	data := make([]byte, 4*32)
	for i := range data {
		data[i] = byte(i)
	}
	tree, commitment := commitFor(t, data, 32)
	reveal, _ := BuildReveal("r", data, tree, 32, 2, []int{1})
	reveal.Proof = nil
	reveal.Index = 0

	if err := VerifyReveal(reveal, commitment, VerifyOptions{MembershipOnly: true}); err != nil {
		t.Fatalf("membership mode should accept: %v", err)
	}
	if err := VerifyReveal(reveal, commitment, VerifyOptions{}); err == nil {
		t.Fatalf("strict mode must reject a reveal without a valid path")
	}

	foreign := append([]byte(nil), data...)
	foreign[40] ^= 0xff
	seg := foreign[32:64]
	reveal.Segment = append(ByteArray(nil), seg...)
	reveal.Hash = SegmentHash(merkle.HashChunk(seg))
	reveal.Values = ByteArray{seg[1]}
	err := VerifyReveal(reveal, commitment, VerifyOptions{MembershipOnly: true})
	if RejectionReason(err) != ReasonNotCommitted {
		t.Fatalf("expected not committed, got %v", err)
	}
}

func TestVerifyCommitRejectsInconsistentRoot(t *testing.T) {
	data := image4096()
	tree := mustTree(t, data, 1024)

	msg := NewCommit("r", tree.Root(), tree.Leaves(), 2)
	msg.Path[1][0][0] ^= 1
	_, err := VerifyCommit(msg)
	if !stdErrors.Is(err, ErrCommitRejected) || RejectionReason(err) != ReasonRootMismatch {
		t.Fatalf("expected root mismatch, got %v", err)
	}

	three := NewCommit("r", tree.Root(), tree.Leaves()[:3], 0)
	if _, err := VerifyCommit(three); RejectionReason(err) != ReasonBadLeafCount {
		t.Fatalf("expected invalid leaf count, got %v", err)
	}
}

func TestBuildRevealValidation(t *testing.T) {
	data := image4096()
	tree := mustTree(t, data, 2048)
	if _, err := BuildReveal("r", data, tree, 2048, 2, []int{0}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for non-content leaf, got %v", err)
	}
	if _, err := BuildReveal("r", data, tree, 2048, 0, []int{2048}); err == nil {
		t.Fatalf("expected error for offset outside chunk")
	}
}

func TestRevealAgainstRejectedCommitment(t *testing.T) {
	data := image4096()
	tree := mustTree(t, data, 2048)
	reveal, err := BuildReveal("r", data, tree, 2048, 0, []int{0, 1, 2})
	if err != nil {
		t.Fatalf("build reveal: %v", err)
	}
	err = VerifyReveal(reveal, RejectedCommitment("r", ReasonRootMismatch), VerifyOptions{})
	if RejectionReason(err) != ReasonCommitRejected {
		t.Fatalf("expected commit_rejected, got %v", err)
	}
}
