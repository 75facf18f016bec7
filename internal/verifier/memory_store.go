package verifier

import (
	"context"
	"sync"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
	"Fairfy-Chain/internal/protocol"
)

// MemoryStore 以内存方式保存作业与承诺。
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	commitments map[string]protocol.Commitment
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*Job),
		commitments: make(map[string]protocol.Commitment),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	now := time.Now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get 返回作业。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// Claim 将作业状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	switch job.Status {
	case StatusSucceeded:
		return cloneJob(job), ErrJobCompleted
	case StatusFailed:
		return cloneJob(job), ErrJobExhausted
	case StatusRunning:
		return cloneJob(job), ErrJobConflict
	}
	if job.Attempts >= job.MaxRetries {
		return cloneJob(job), ErrJobExhausted
	}
	job.Status = StatusRunning
	job.Attempts++
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = time.Now().Unix()
	return cloneJob(job), nil
}

// MarkSucceeded 记录判定。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, verdict protocol.Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusSucceeded
	job.Verdict = &verdict
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录失败。非终态的失败回到 pending 等待重新领取。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusPending
	if terminal {
		job.Status = StatusFailed
	}
	job.LastError = lastError
	job.ErrorCode = string(code)
	job.UpdatedAt = time.Now().Unix()
	return nil
}

// Stats 统计作业数量与更新时间范围。
func (m *MemoryStore) Stats(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, job := range m.jobs {
		stats.Total++
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if job.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = job.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (job.UpdatedAt != 0 && job.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = job.UpdatedAt
		}
	}
	return stats, nil
}

// SaveCommitment 实现 Store 接口。非 default 轮次只接受第一个有效根，
// 拒绝标记可被之后的有效承诺覆盖。
func (m *MemoryStore) SaveCommitment(_ context.Context, c protocol.Commitment) (bool, error) {
	if c.Round == "" || c.Rejected != "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "承诺缺少轮次或为拒绝标记")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.commitments[c.Round]; ok && prev.Rejected == "" && prev.Root != c.Root && c.Round != DefaultRound {
		return false, ErrRoundCommitted
	}
	repeated := false
	for round, prev := range m.commitments {
		if round != c.Round && prev.Rejected == "" && prev.Root == c.Root {
			repeated = true
			break
		}
	}
	c.Leaves = append([]merkle.Hash(nil), c.Leaves...)
	m.commitments[c.Round] = c
	return repeated, nil
}

// RejectCommitment 在轮次尚无记录时写入拒绝标记。
func (m *MemoryStore) RejectCommitment(_ context.Context, round, reason string) error {
	if round == "" || reason == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "拒绝标记缺少轮次或原因")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commitments[round]; !ok {
		m.commitments[round] = protocol.RejectedCommitment(round, reason)
	}
	return nil
}

// Commitment 返回指定轮次的承诺或拒绝标记。
func (m *MemoryStore) Commitment(_ context.Context, round string) (protocol.Commitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commitments[round]
	if !ok {
		return protocol.Commitment{}, ErrCommitmentUnknown
	}
	c.Leaves = append([]merkle.Hash(nil), c.Leaves...)
	return c, nil
}

// RecordedRoots 返回已记录的不同根数量。
func (m *MemoryStore) RecordedRoots(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roots := make(map[merkle.Hash]struct{}, len(m.commitments))
	for _, c := range m.commitments {
		if c.Rejected == "" {
			roots[c.Root] = struct{}{}
		}
	}
	return len(roots), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
