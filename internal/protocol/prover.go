package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/memory"
	"Fairfy-Chain/internal/merkle"
	"Fairfy-Chain/pkg/logger"
)

// Source 产生一次进程快照。memory.Dumper 满足该接口。
type Source interface {
	PID() int
	Snapshot(ctx context.Context, policy memory.RegionFilter) ([]byte, memory.SnapshotReport, error)
}

// Sender 将消息投递给 verifier。
type Sender interface {
	SendCommit(ctx context.Context, msg CommitMessage) (Receipt, error)
	SendReveal(ctx context.Context, msg RevealMessage) (Receipt, error)
}

// VerdictWaiter 等待 verifier 对某个任务给出最终判定。
type VerdictWaiter interface {
	AwaitVerdict(ctx context.Context, jobID string) (Verdict, error)
}

// LeafSelector 从 n 个内容叶子中挑选揭示目标。
type LeafSelector func(contentLeaves int) int

// FixedLeaf 总是揭示同一个叶子。
func FixedLeaf(index int) LeafSelector {
	return func(int) int { return index }
}

// RandomLeaf 在内容叶子中均匀挑选。
func RandomLeaf() LeafSelector {
	return func(n int) int { return rand.Intn(n) }
}

// Prover 执行客户端的一轮：快照、派生叶子、承诺、揭示。
type Prover struct {
	source    Source
	sender    Sender
	waiter    VerdictWaiter
	policy    memory.RegionFilter
	chunkSize int
	batch     int
	offsets   []int
	selector  LeafSelector
	logger    *slog.Logger
}

// ProverOption 定义可选配置。
type ProverOption func(*Prover)

// WithRegionFilter 设置区域过滤策略。
func WithRegionFilter(policy memory.RegionFilter) ProverOption {
	return func(p *Prover) { p.policy = policy }
}

// WithChunkSize 设置 chunk 大小。
func WithChunkSize(size int) ProverOption {
	return func(p *Prover) {
		if size > 0 {
			p.chunkSize = size
		}
	}
}

// WithCommitBatch 设置承诺消息的分组宽度。
func WithCommitBatch(batch int) ProverOption {
	return func(p *Prover) {
		if batch > 0 {
			p.batch = batch
		}
	}
}

// WithRevealOffsets 设置揭示时断言的偏移。
func WithRevealOffsets(offsets ...int) ProverOption {
	return func(p *Prover) {
		p.offsets = append([]int(nil), offsets...)
	}
}

// WithLeafSelector 设置揭示目标的选择方式。
func WithLeafSelector(selector LeafSelector) ProverOption {
	return func(p *Prover) {
		if selector != nil {
			p.selector = selector
		}
	}
}

// WithVerdictWaiter 在揭示后等待最终判定，再决定 Acknowledged 或 Rejected。
func WithVerdictWaiter(waiter VerdictWaiter) ProverOption {
	return func(p *Prover) { p.waiter = waiter }
}

// WithProverLogger 指定日志输出。
func WithProverLogger(l *slog.Logger) ProverOption {
	return func(p *Prover) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProver 构造 Prover。
func NewProver(source Source, sender Sender, opts ...ProverOption) *Prover {
	p := &Prover{
		source:    source,
		sender:    sender,
		policy:    memory.FilterInteresting,
		chunkSize: 2048,
		batch:     DefaultCommitBatch,
		offsets:   []int{0, 1, 2},
		selector:  FixedLeaf(0),
		logger:    logger.Named("prover"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run 执行完整的一轮。返回的 Round 总是处于终态，失败时 error 与 Round.Err 相同。
func (p *Prover) Run(ctx context.Context) (*Round, error) {
	round := NewRound(uuid.NewString())
	round.PID = p.source.PID()
	err := p.run(ctx, round)
	if err != nil && !round.Terminal() {
		round.Fail(err)
	}
	p.logger.Info("本轮结束",
		slog.String("round", round.ID),
		slog.Int("pid", round.PID),
		slog.String("state", string(round.State)),
		slog.Int("content_leaves", round.ContentLeaves),
		slog.String("root", round.Root.Hex()),
		slog.Duration("duration", round.Duration()),
	)
	return round, err
}

func (p *Prover) run(ctx context.Context, round *Round) error {
	data, report, err := p.source.Snapshot(ctx, p.policy)
	if err != nil {
		return err
	}
	round.SnapshotBytes = report.Bytes

	leaves, err := merkle.DeriveLeaves(data, p.chunkSize)
	if err != nil {
		return err
	}
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return err
	}
	round.ContentLeaves = merkle.ContentLeafCount(len(data), p.chunkSize)
	round.LeafCount = tree.LeafCount()
	round.Root = tree.Root()
	if err := round.Advance(StateSnapshotted); err != nil {
		return err
	}

	// 揭示在承诺发出前构造，选择或偏移无效时不会留下没有揭示的承诺。
	round.RevealIndex = p.selector(round.ContentLeaves)
	if round.RevealIndex < 0 || round.RevealIndex >= round.ContentLeaves {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("reveal index %d outside %d content leaves", round.RevealIndex, round.ContentLeaves))
	}
	reveal, err := BuildReveal(round.ID, data, tree, p.chunkSize, round.RevealIndex, p.offsets)
	if err != nil {
		return err
	}

	receipt, err := p.sender.SendCommit(ctx, NewCommit(round.ID, tree.Root(), tree.Leaves(), p.batch))
	if err != nil {
		return p.sendFailure(round, err)
	}
	round.CommitJob = receipt.JobID
	if err := round.Advance(StateCommitted); err != nil {
		return err
	}

	receipt, err = p.sender.SendReveal(ctx, reveal)
	if err != nil {
		return p.sendFailure(round, err)
	}
	round.RevealJob = receipt.JobID
	if err := round.Advance(StateRevealed); err != nil {
		return err
	}

	if p.waiter == nil || receipt.JobID == "" {
		return round.Advance(StateAcknowledged)
	}
	verdict, err := p.waiter.AwaitVerdict(ctx, receipt.JobID)
	if err != nil {
		return err
	}
	round.Verdict = &verdict
	if !verdict.Accepted {
		rejected := xerrors.New(xerrors.CodeRevealRejected, verdict.Reason,
			xerrors.WithMetadata("reason", verdict.Reason))
		if advErr := round.Reject(rejected); advErr != nil {
			return advErr
		}
		return rejected
	}
	return round.Advance(StateAcknowledged)
}

// sendFailure 将协议层拒绝记为 Rejected，其余失败记为 Failed。
func (p *Prover) sendFailure(round *Round, err error) error {
	if xerrors.InClass(err, xerrors.ClassProtocol) {
		if advErr := round.Reject(err); advErr != nil {
			return advErr
		}
		return err
	}
	round.Fail(err)
	return err
}
