package verifier

import (
	"context"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/protocol"
)

// Store 抽象了作业状态与承诺记录的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, verdict protocol.Verdict) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	Stats(ctx context.Context) (Stats, error)

	// SaveCommitment 按轮次记录承诺，返回该根此前是否已在其他轮次出现过。
	// 轮次已有不同根的承诺时返回 ErrRoundCommitted。
	SaveCommitment(ctx context.Context, c protocol.Commitment) (repeated bool, err error)
	// RejectCommitment 为承诺被拒的轮次留下标记，使其揭示得到确定的拒绝判定。
	RejectCommitment(ctx context.Context, round, reason string) error
	Commitment(ctx context.Context, round string) (protocol.Commitment, error)
	RecordedRoots(ctx context.Context) (int, error)

	Close() error
}

// Stats 聚合了作业状态的统计信息，用于健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Counts 转换为健康检查的线上格式。
func (s Stats) Counts() protocol.JobCounts {
	return protocol.JobCounts{
		Total:     s.Total,
		Pending:   s.Pending,
		Running:   s.Running,
		Succeeded: s.Succeeded,
		Failed:    s.Failed,
	}
}
