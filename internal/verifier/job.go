// Package verifier 接收承诺与揭示，按队列异步校验并记录判定。
package verifier

import (
	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/protocol"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Kind 区分作业携带的消息类型。
type Kind string

const (
	KindCommit Kind = "commit"
	KindReveal Kind = "reveal"
)

// Job 描述一条排队校验的消息。succeeded 表示已得出判定，判定本身可能是拒绝；
// failed 只用于无法得出判定的终态。
type Job struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Round      string            `json:"round,omitempty"`
	Payload    []byte            `json:"-"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Verdict    *protocol.Verdict `json:"verdict,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示作业已经得出判定。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示作业的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrCommitmentUnknown 表示揭示引用的轮次尚无承诺记录。
	ErrCommitmentUnknown = xerrors.New(xerrors.CodeCommitmentUnknown, "")
	// ErrRoundCommitted 表示轮次已记录了不同的根。
	ErrRoundCommitted = xerrors.New(CodeRoundCommitted, "round already committed with a different root",
		xerrors.WithSeverity(xerrors.SeverityWarning), xerrors.WithAlert(true))
)

const (
	CodeJobNotFound    xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict    xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted   xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted   xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation  xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish     xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing  xerrors.Code = "JOB_PROCESSING_FAILED"
	CodeRoundCommitted xerrors.Code = "ROUND_ALREADY_COMMITTED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRoundCommitted, xerrors.Attributes{
		Message:  "round already committed with a different root",
		Class:    xerrors.ClassProtocol,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的作业状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Done 表示作业不会再被处理。
func (j *Job) Done() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Payload != nil {
		clone.Payload = append([]byte(nil), job.Payload...)
	}
	if job.Verdict != nil {
		v := *job.Verdict
		clone.Verdict = &v
	}
	return &clone
}
