package protocol

import (
	"Fairfy-Chain/internal/merkle"
)

// DefaultCommitBatch 是承诺消息中每个分组的叶子数量。
const DefaultCommitBatch = 64

// CommitMessage 承诺一次快照的根与完整叶子序列。
type CommitMessage struct {
	Round string          `json:"round,omitempty"`
	Root  merkle.Hash     `json:"root"`
	Path  [][]merkle.Hash `json:"path"`
}

// NewCommit 将叶子按 batch 分组，batch <= 0 时使用默认值。
func NewCommit(round string, root merkle.Hash, leaves []merkle.Hash, batch int) CommitMessage {
	if batch <= 0 {
		batch = DefaultCommitBatch
	}
	groups := make([][]merkle.Hash, 0, (len(leaves)+batch-1)/batch)
	for start := 0; start < len(leaves); start += batch {
		end := min(start+batch, len(leaves))
		group := make([]merkle.Hash, end-start)
		copy(group, leaves[start:end])
		groups = append(groups, group)
	}
	return CommitMessage{Round: round, Root: root, Path: groups}
}

// Leaves 展开分组后的叶子序列。
func (c CommitMessage) Leaves() []merkle.Hash {
	total := 0
	for _, g := range c.Path {
		total += len(g)
	}
	out := make([]merkle.Hash, 0, total)
	for _, g := range c.Path {
		out = append(out, g...)
	}
	return out
}

// SegmentHash 在 JSON 中编码为不带 0x 前缀的十六进制，解码时两种形式均接受。
type SegmentHash merkle.Hash

// MarshalText 实现 encoding.TextMarshaler。
func (h SegmentHash) MarshalText() ([]byte, error) {
	return []byte(merkle.Hash(h).PlainHex()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (h *SegmentHash) UnmarshalText(text []byte) error {
	parsed, err := merkle.ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = SegmentHash(parsed)
	return nil
}

// RevealMessage 公开一个 chunk 的原始字节，并断言若干偏移处的取值。
// Index 与 Proof 将该 chunk 绑定到承诺的根上。
type RevealMessage struct {
	Round   string      `json:"round,omitempty"`
	Hash    SegmentHash `json:"hash"`
	Segment ByteArray   `json:"segment"`
	Indices []int       `json:"indices"`
	Values  ByteArray   `json:"values"`
	Index   int         `json:"index"`
	Proof   merkle.Path `json:"proof,omitempty"`
}

// Receipt 是 verifier 受理一条消息后的回执。
type Receipt struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Verdict 是 verifier 对一条消息的最终判定。
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	// BaselineDiffs 为承诺叶子与静态基线不一致的槽位数，-1 表示未比对。
	BaselineDiffs int  `json:"baseline_diffs"`
	RepeatedRoot  bool `json:"repeated_root,omitempty"`
}

// JobCounts 按状态汇总 verifier 作业数量。
type JobCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Health 是 verifier 健康检查的响应体。
type Health struct {
	Status        string    `json:"status"`
	QueueLength   int       `json:"queue_length"`
	IsProcessing  bool      `json:"is_processing"`
	RecordedRoots int       `json:"recorded_roots"`
	Jobs          JobCounts `json:"jobs"`
}
