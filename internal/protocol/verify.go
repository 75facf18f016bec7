package protocol

import (
	"fmt"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
)

// 拒绝原因，写入错误的 reason 元数据与判定结果。
const (
	ReasonHashMismatch     = "hash_mismatch"
	ReasonLengthMismatch   = "indices_values_length_mismatch"
	ReasonOffsetOutOfRange = "offset_out_of_range"
	ReasonValueMismatch    = "value_mismatch"
	ReasonNotCommitted     = "hash_not_committed"
	ReasonIndexMismatch    = "leaf_index_mismatch"
	ReasonInclusionFailed  = "inclusion_path_invalid"
	ReasonRootMismatch     = "root_mismatch"
	ReasonBadLeafCount     = "invalid_leaf_count"
	// ReasonCommitRejected 表示本轮承诺已被拒绝，揭示无从对照。
	ReasonCommitRejected = "commit_rejected"
	// ReasonRoundCommitted 表示该轮次已记录了不同的根。
	ReasonRoundCommitted = "round_already_committed"
)

var (
	// ErrRevealRejected 表示揭示未通过校验。
	ErrRevealRejected = xerrors.New(xerrors.CodeRevealRejected, "")
	// ErrCommitRejected 表示承诺本身不自洽。
	ErrCommitRejected = xerrors.New(xerrors.CodeCommitRejected, "")
)

// Commitment 是 verifier 记录下来的一次承诺。Rejected 非空时只是拒绝标记，
// 记录承诺被拒的原因，没有可用的根与叶子。
type Commitment struct {
	Round    string
	Root     merkle.Hash
	Leaves   []merkle.Hash
	Rejected string
}

// RejectedCommitment 构造轮次的拒绝标记。
func RejectedCommitment(round, reason string) Commitment {
	return Commitment{Round: round, Rejected: reason}
}

// VerifyOptions 控制揭示校验的强度。
type VerifyOptions struct {
	// MembershipOnly 只要求段哈希出现在承诺叶子中，不校验包含路径。
	MembershipOnly bool
}

func reject(code xerrors.Code, reason, detail string) error {
	return xerrors.New(code, fmt.Sprintf("%s: %s", reason, detail), xerrors.WithMetadata("reason", reason))
}

// RejectionReason 提取拒绝原因，非拒绝错误返回空串。
func RejectionReason(err error) string {
	return xerrors.MetadataOf(err, "reason")
}

// VerifyCommit 重新计算叶子序列的根并与声明的根比较。
func VerifyCommit(msg CommitMessage) (Commitment, error) {
	leaves := msg.Leaves()
	root, err := merkle.BuildRoot(leaves)
	if err != nil {
		return Commitment{}, reject(xerrors.CodeCommitRejected, ReasonBadLeafCount, fmt.Sprintf("%d leaves", len(leaves)))
	}
	if root != msg.Root {
		return Commitment{}, reject(xerrors.CodeCommitRejected, ReasonRootMismatch,
			fmt.Sprintf("claimed %s, computed %s", msg.Root, root))
	}
	return Commitment{Round: msg.Round, Root: root, Leaves: leaves}, nil
}

// VerifyReveal 按顺序检查段哈希、断言取值以及与承诺的绑定关系。
func VerifyReveal(msg RevealMessage, c Commitment, opts VerifyOptions) error {
	if c.Rejected != "" {
		return reject(xerrors.CodeRevealRejected, ReasonCommitRejected,
			fmt.Sprintf("commitment for round %q was rejected: %s", c.Round, c.Rejected))
	}
	if merkle.HashChunk(msg.Segment) != merkle.Hash(msg.Hash) {
		return reject(xerrors.CodeRevealRejected, ReasonHashMismatch, "segment does not hash to the revealed hash")
	}
	if len(msg.Indices) != len(msg.Values) {
		return reject(xerrors.CodeRevealRejected, ReasonLengthMismatch,
			fmt.Sprintf("%d indices, %d values", len(msg.Indices), len(msg.Values)))
	}
	for i, off := range msg.Indices {
		if off < 0 || off >= len(msg.Segment) {
			return reject(xerrors.CodeRevealRejected, ReasonOffsetOutOfRange,
				fmt.Sprintf("offset %d outside segment of %d bytes", off, len(msg.Segment)))
		}
		if msg.Segment[off] != msg.Values[i] {
			return reject(xerrors.CodeRevealRejected, ReasonValueMismatch,
				fmt.Sprintf("offset %d holds %d, asserted %d", off, msg.Segment[off], msg.Values[i]))
		}
	}

	hash := merkle.Hash(msg.Hash)
	if opts.MembershipOnly {
		for _, leaf := range c.Leaves {
			if leaf == hash && !leaf.IsZero() {
				return nil
			}
		}
		return reject(xerrors.CodeRevealRejected, ReasonNotCommitted, "hash absent from commitment")
	}

	if msg.Index < 0 || msg.Index >= len(c.Leaves) || c.Leaves[msg.Index] != hash {
		return reject(xerrors.CodeRevealRejected, ReasonIndexMismatch,
			fmt.Sprintf("committed leaf %d does not match", msg.Index))
	}
	if msg.Proof.Index() != msg.Index || !merkle.VerifyPath(hash, msg.Proof, c.Root) {
		return reject(xerrors.CodeRevealRejected, ReasonInclusionFailed, "path does not reproduce committed root")
	}
	return nil
}
