package verifier

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
	"Fairfy-Chain/internal/observability/alerting"
	"Fairfy-Chain/internal/observability/metrics"
	"Fairfy-Chain/internal/profiler"
	"Fairfy-Chain/internal/protocol"
	"Fairfy-Chain/pkg/logger"
)

// ReasonDeniedHash 表示承诺中出现了被拒绝的叶子。
const ReasonDeniedHash = "denied_hash"

// Processor 从队列消费作业并得出判定。
type Processor struct {
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	verifyOpts  protocol.VerifyOptions
	baseline    []merkle.Hash
	denied      map[merkle.Hash]struct{}
	retryDelay  time.Duration
	inFlight    atomic.Int32

	// parked 按轮次挂起等待承诺的揭示，承诺处理完成后立即重投。
	mu     sync.Mutex
	parked map[string][]Ticket
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithVerifyOptions 设置揭示校验强度。
func WithVerifyOptions(opts protocol.VerifyOptions) ProcessorOption {
	return func(p *Processor) {
		p.verifyOpts = opts
	}
}

// WithBaseline 设置静态基线，承诺叶子将与之比对。
func WithBaseline(baseline []merkle.Hash) ProcessorOption {
	return func(p *Processor) {
		p.baseline = append([]merkle.Hash(nil), baseline...)
	}
}

// WithDenylist 设置被拒绝的叶子哈希。
func WithDenylist(hashes []merkle.Hash) ProcessorOption {
	return func(p *Processor) {
		for _, h := range hashes {
			p.denied[h] = struct{}{}
		}
	}
}

// WithRetryDelay 设置可重试作业重新入队前的等待时间。
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.retryDelay = d
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		denied:      make(map[merkle.Hash]struct{}),
		retryDelay:  200 * time.Millisecond,
		parked:      make(map[string][]Ticket),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("verifier")
	}
	return p
}

// Start 启动作业处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// IsProcessing 报告是否有作业正在执行。
func (p *Processor) IsProcessing() bool {
	return p.inFlight.Load() > 0
}

func (p *Processor) handle(ctx context.Context, ticket Ticket) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	jobID := ticket.JobID
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	var verdict protocol.Verdict
	switch job.Kind {
	case KindCommit:
		verdict, err = p.verifyCommit(ctx, job)
	case KindReveal:
		verdict, err = p.verifyReveal(ctx, job)
	default:
		err = xerrors.New(CodeJobValidation, fmt.Sprintf("未知作业类型 %q", job.Kind))
	}
	if err != nil {
		return p.handleFailure(ctx, job, err)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, verdict); err != nil {
		p.logger.Error("记录判定失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return p.handleFailure(ctx, job, err)
	}
	metrics.ObserveVerdict(string(job.Kind), verdict.Accepted, verdict.Reason)
	if job.Kind == KindCommit {
		p.release(ctx, job.Round)
	}

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("round", job.Round),
		slog.Bool("accepted", verdict.Accepted),
		slog.Int("baseline_diffs", verdict.BaselineDiffs),
		slog.Bool("repeated_root", verdict.RepeatedRoot),
	}
	if verdict.Accepted {
		logger.Audit().Info("作业判定完成", attrs...)
		return nil
	}
	attrs = append(attrs, slog.String("reason", verdict.Reason))
	logger.Audit().Warn("作业判定为拒绝", attrs...)
	switch {
	case job.Kind == KindReveal:
		p.emitAlert(ctx, job, xerrors.CodeRevealRejected, nil, "verdict", "reason", verdict.Reason)
	case verdict.Reason == protocol.ReasonRoundCommitted:
		p.emitAlert(ctx, job, CodeRoundCommitted, nil, "verdict", "reason", verdict.Reason)
	}
	return nil
}

func (p *Processor) verifyCommit(ctx context.Context, job *Job) (protocol.Verdict, error) {
	var msg protocol.CommitMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return protocol.Verdict{}, xerrors.Wrap(CodeJobValidation, err, "解析承诺负载失败")
	}
	msg.Round = job.Round

	commitment, err := protocol.VerifyCommit(msg)
	if err != nil {
		if !xerrors.InClass(err, xerrors.ClassProtocol) {
			return protocol.Verdict{}, err
		}
		return p.rejectCommit(ctx, job.Round, protocol.RejectionReason(err))
	}
	for i, leaf := range commitment.Leaves {
		if _, ok := p.denied[leaf]; ok {
			p.logger.Warn("承诺包含被拒绝的叶子",
				slog.String("job_id", job.ID),
				slog.Int("leaf", i),
				slog.String("hash", leaf.Hex()),
			)
			return p.rejectCommit(ctx, job.Round, ReasonDeniedHash)
		}
	}

	repeated, err := p.store.SaveCommitment(ctx, commitment)
	if stdErrors.Is(err, ErrRoundCommitted) {
		p.logger.Warn("轮次已有不同的承诺", slog.String("job_id", job.ID), slog.String("round", job.Round))
		return protocol.Verdict{Reason: protocol.ReasonRoundCommitted, BaselineDiffs: -1}, nil
	}
	if err != nil {
		return protocol.Verdict{}, err
	}
	if repeated {
		metrics.ObserveRepeatedRoot()
	}

	verdict := protocol.Verdict{Accepted: true, BaselineDiffs: -1, RepeatedRoot: repeated}
	if len(p.baseline) > 0 {
		verdict.BaselineDiffs = profiler.CountDifferences(p.baseline, commitment.Leaves)
	}
	return verdict, nil
}

// rejectCommit 为被拒承诺的轮次写入标记，该轮次的揭示随后得到 commit_rejected 判定。
func (p *Processor) rejectCommit(ctx context.Context, round, reason string) (protocol.Verdict, error) {
	if err := p.store.RejectCommitment(ctx, round, reason); err != nil {
		return protocol.Verdict{}, err
	}
	return protocol.Verdict{Reason: reason, BaselineDiffs: -1}, nil
}

func (p *Processor) verifyReveal(ctx context.Context, job *Job) (protocol.Verdict, error) {
	var msg protocol.RevealMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return protocol.Verdict{}, xerrors.Wrap(CodeJobValidation, err, "解析揭示负载失败")
	}
	commitment, err := p.store.Commitment(ctx, job.Round)
	if err != nil {
		return protocol.Verdict{}, err
	}
	if err := protocol.VerifyReveal(msg, commitment, p.verifyOpts); err != nil {
		if !xerrors.InClass(err, xerrors.ClassProtocol) {
			return protocol.Verdict{}, err
		}
		return protocol.Verdict{Reason: protocol.RejectionReason(err), BaselineDiffs: -1}, nil
	}
	return protocol.Verdict{Accepted: true, BaselineDiffs: -1}, nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if err := p.store.MarkFailed(ctx, job.ID, code, cause.Error(), terminal); err != nil {
		p.logger.Error("标记作业失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("round", job.Round),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	if terminal {
		p.emitAlert(ctx, job, code, cause, "terminal")
		return nil
	}
	if xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, job, code, cause, "retry")
	}

	ticket := TicketFor(job)
	if job.Kind == KindReveal && code == xerrors.CodeCommitmentUnknown {
		p.park(ctx, ticket)
		return nil
	}
	time.AfterFunc(p.retryDelay, func() { p.republish(ctx, ticket) })
	return nil
}

// park 挂起等待承诺的揭示。承诺到达时由 release 重投，否则 retryDelay 后由计时器重投；
// 先从 parked 中取走票据的一方负责投递。
func (p *Processor) park(ctx context.Context, ticket Ticket) {
	p.mu.Lock()
	p.parked[ticket.Round] = append(p.parked[ticket.Round], ticket)
	p.mu.Unlock()
	time.AfterFunc(p.retryDelay, func() {
		if p.unpark(ticket) {
			p.republish(ctx, ticket)
		}
	})
}

func (p *Processor) unpark(ticket Ticket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	waiting := p.parked[ticket.Round]
	for i, t := range waiting {
		if t.JobID != ticket.JobID {
			continue
		}
		waiting = append(waiting[:i], waiting[i+1:]...)
		if len(waiting) == 0 {
			delete(p.parked, ticket.Round)
		} else {
			p.parked[ticket.Round] = waiting
		}
		return true
	}
	return false
}

// release 立即重投挂起在 round 上的揭示。
func (p *Processor) release(ctx context.Context, round string) {
	p.mu.Lock()
	waiting := p.parked[round]
	delete(p.parked, round)
	p.mu.Unlock()
	for _, ticket := range waiting {
		p.republish(ctx, ticket)
	}
}

// Parked 返回当前挂起等待承诺的揭示数量。
func (p *Processor) Parked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, waiting := range p.parked {
		n += len(waiting)
	}
	return n
}

func (p *Processor) republish(ctx context.Context, ticket Ticket) {
	if ctx.Err() != nil {
		return
	}
	if err := p.producer.Publish(ctx, ticket); err != nil {
		wrapped := xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 重投失败", ticket.JobID))
		p.logger.Error("作业重投失败", slog.Any("error", wrapped), slog.String("job_id", ticket.JobID))
		_ = p.store.MarkFailed(ctx, ticket.JobID, CodeJobPublish, wrapped.Error(), true)
		return
	}
	p.logger.Debug("作业已重新排队", slog.String("job_id", ticket.JobID), slog.String("kind", string(ticket.Kind)))
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string, kv ...string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	for i := 0; i+1 < len(kv); i += 2 {
		metadata[kv[i]] = kv[i+1]
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      job.ID,
		RoundID:    job.Round,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
