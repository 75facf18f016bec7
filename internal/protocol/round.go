package protocol

import (
	"fmt"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
)

// State 是一轮承诺/揭示所处的阶段。
type State string

const (
	StateIdle         State = "idle"
	StateSnapshotted  State = "snapshotted"
	StateCommitted    State = "committed"
	StateRevealed     State = "revealed"
	StateAcknowledged State = "acknowledged"
	StateRejected     State = "rejected"
	StateFailed       State = "failed"
)

var transitions = map[State][]State{
	StateIdle:        {StateSnapshotted, StateFailed},
	StateSnapshotted: {StateCommitted, StateRejected, StateFailed},
	StateCommitted:   {StateRevealed, StateRejected, StateFailed},
	StateRevealed:    {StateAcknowledged, StateRejected, StateFailed},
}

// ErrIllegalTransition 表示状态机收到了不允许的迁移。
var ErrIllegalTransition = xerrors.New(xerrors.CodeIllegalTransition, "")

// Round 记录客户端一轮交换的状态与产物。
type Round struct {
	ID            string
	State         State
	PID           int
	StartedAt     time.Time
	UpdatedAt     time.Time
	SnapshotBytes int
	ContentLeaves int
	LeafCount     int
	Root          merkle.Hash
	RevealIndex   int
	CommitJob     string
	RevealJob     string
	Verdict       *Verdict
	Err           error
}

// NewRound 创建处于 Idle 的新一轮。
func NewRound(id string) *Round {
	now := time.Now()
	return &Round{ID: id, State: StateIdle, StartedAt: now, UpdatedAt: now, RevealIndex: -1}
}

// Terminal 报告是否已到达终态。
func (r *Round) Terminal() bool {
	switch r.State {
	case StateAcknowledged, StateRejected, StateFailed:
		return true
	}
	return false
}

// Advance 迁移到 next，非法迁移返回 ErrIllegalTransition。
func (r *Round) Advance(next State) error {
	for _, allowed := range transitions[r.State] {
		if allowed == next {
			r.State = next
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return xerrors.Wrap(xerrors.CodeIllegalTransition, nil,
		fmt.Sprintf("round %s: %s -> %s", r.ID, r.State, next))
}

// Fail 以 cause 结束本轮；已是终态时保持原状态。
func (r *Round) Fail(cause error) {
	r.Err = cause
	if r.Terminal() {
		return
	}
	_ = r.Advance(StateFailed)
}

// Reject 将本轮标记为被 verifier 拒绝。
func (r *Round) Reject(cause error) error {
	r.Err = cause
	return r.Advance(StateRejected)
}

// Duration 返回本轮耗时。
func (r *Round) Duration() time.Duration {
	return r.UpdatedAt.Sub(r.StartedAt)
}
