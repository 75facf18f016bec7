// Package syncloop drives attestation rounds against a target process at a
// fixed interval, with bounded retries and a circuit breaker around delivery.
package syncloop

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/memory"
	"Fairfy-Chain/internal/observability/alerting"
	"Fairfy-Chain/internal/observability/metrics"
	"Fairfy-Chain/internal/protocol"
	"Fairfy-Chain/pkg/logger"
)

// ErrCircuitOpen 表示熔断器打开次数达到上限，循环停止。
var ErrCircuitOpen = xerrors.New(xerrors.CodeCircuitOpen, "circuit breaker exhausted")

// Target 是循环驱动的快照源，memory.Dumper 满足该接口。
type Target interface {
	protocol.Source
	Refresh(pid int) error
}

// Resolver 在每轮开始前解析目标 pid。
type Resolver func(procRoot, name string, pid int) (int, error)

// Loop 以固定间隔执行证明轮次。
type Loop struct {
	target      Target
	sender      protocol.Sender
	waiter      protocol.VerdictWaiter
	procRoot    string
	processName string
	resolve     Resolver
	interval    time.Duration
	maxRounds   int
	retry       RetryPolicy
	breaker     *Breaker
	proverOpts  []protocol.ProverOption
	alerter     alerting.Dispatcher
	observer    func(*protocol.Round)
	sleep       sleeper
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Loop)

// WithInterval 设置两轮之间的间隔。
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithMaxRounds 限制执行轮数，0 表示不限。
func WithMaxRounds(n int) Option {
	return func(l *Loop) {
		if n >= 0 {
			l.maxRounds = n
		}
	}
}

// WithProcessName 使每轮按名称重新解析 pid。
func WithProcessName(procRoot, name string) Option {
	return func(l *Loop) {
		l.procRoot = procRoot
		l.processName = name
	}
}

// WithRetryPolicy 设置单次投递的重试策略。
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Loop) {
		l.retry = p
	}
}

// WithBreaker 替换默认熔断器。
func WithBreaker(b *Breaker) Option {
	return func(l *Loop) {
		if b != nil {
			l.breaker = b
		}
	}
}

// WithProverOptions 透传给每轮的 Prover。
func WithProverOptions(opts ...protocol.ProverOption) Option {
	return func(l *Loop) {
		l.proverOpts = append(l.proverOpts, opts...)
	}
}

// WithVerdictWaiter 使每轮等待 verifier 的最终判定。
func WithVerdictWaiter(w protocol.VerdictWaiter) Option {
	return func(l *Loop) {
		l.waiter = w
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(l *Loop) {
		l.alerter = d
	}
}

// WithRoundObserver 在每轮结束后回调。
func WithRoundObserver(fn func(*protocol.Round)) Option {
	return func(l *Loop) {
		l.observer = fn
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoop 构造同步循环。
func NewLoop(target Target, sender protocol.Sender, opts ...Option) *Loop {
	l := &Loop{
		target:   target,
		sender:   sender,
		resolve:  memory.ResolvePID,
		interval: 15 * time.Second,
		retry:    RetryPolicy{MaxAttempts: 4, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 8 * time.Second},
		sleep:    sleepContext,
		logger:   logger.Named("syncloop"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.breaker == nil {
		l.breaker = NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, MaxTrips: 5}, nil)
	}
	return l
}

// Run 执行循环直到上下文取消、达到轮数上限或熔断器耗尽。
// 轮次之间不重叠：下一轮的计时在上一轮结束后才开始。
func (l *Loop) Run(ctx context.Context) error {
	if l.target == nil || l.sender == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "同步循环未初始化")
	}
	metrics.SetBreakerState(int(l.breaker.State()))
	executed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.maxRounds > 0 && executed >= l.maxRounds {
			l.logger.Info("达到轮数上限，循环结束", slog.Int("rounds", executed))
			return nil
		}
		if wait := l.breaker.Wait(); wait > 0 {
			l.logger.Info("熔断器打开，等待冷却", slog.Duration("remaining", wait))
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		metrics.SetBreakerState(int(l.breaker.State()))

		executed++
		if err := l.runOnce(ctx); err != nil {
			return err
		}
		if l.maxRounds > 0 && executed >= l.maxRounds {
			continue
		}
		if err := l.sleep(ctx, l.interval); err != nil {
			return err
		}
	}
}

// runOnce 执行一轮。只有上下文取消或熔断器耗尽才返回错误。
func (l *Loop) runOnce(ctx context.Context) error {
	if err := l.refreshTarget(); err != nil {
		l.logger.Warn("解析目标进程失败，跳过本轮",
			slog.String("process", l.processName),
			slog.String("class", string(xerrors.ClassOf(err))),
			slog.Any("error", err),
		)
		return nil
	}

	sender := &retryingSender{sender: l.sender, waiter: l.waiter, policy: l.retry, sleep: l.sleep, logger: l.logger}
	opts := append([]protocol.ProverOption{protocol.WithProverLogger(l.logger)}, l.proverOpts...)
	if l.waiter != nil {
		opts = append(opts, protocol.WithVerdictWaiter(sender))
	}
	round, err := protocol.NewProver(l.target, sender, opts...).Run(ctx)
	if round != nil {
		metrics.ObserveRound(string(round.State), round.Duration(), round.SnapshotBytes)
		if l.observer != nil {
			l.observer(round)
		}
	}
	if err == nil {
		l.breaker.Success()
		metrics.SetBreakerState(int(l.breaker.State()))
		logger.Audit().Info("证明轮次完成",
			slog.String("round", round.ID),
			slog.Int("pid", round.PID),
			slog.String("root", round.Root.Hex()),
			slog.Int("reveal_index", round.RevealIndex),
		)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded)) {
		return ctxErr
	}

	switch xerrors.ClassOf(err) {
	case xerrors.ClassTransport:
		return l.deliveryFailed(ctx, round, err)
	case xerrors.ClassProtocol:
		// verifier 可达，拒绝不计入熔断。
		l.breaker.Success()
		metrics.SetBreakerState(int(l.breaker.State()))
		logger.Audit().Warn("证明被拒绝",
			slog.String("round", roundID(round)),
			slog.Int("pid", l.target.PID()),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("reason", protocol.RejectionReason(err)),
		)
		l.emitAlert(ctx, round, xerrors.CodeOf(err), err, map[string]string{"reason": protocol.RejectionReason(err)})
	default:
		// 采集、读取、结构错误只结束本轮。
		l.logger.Warn("本轮失败",
			slog.String("round", roundID(round)),
			slog.String("class", string(xerrors.ClassOf(err))),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	}
	return nil
}

func (l *Loop) deliveryFailed(ctx context.Context, round *protocol.Round, err error) error {
	tripped := l.breaker.Failure()
	metrics.SetBreakerState(int(l.breaker.State()))
	l.logger.Error("投递失败",
		slog.String("round", roundID(round)),
		slog.Bool("breaker_tripped", tripped),
		slog.Int("trips", l.breaker.Trips()),
		slog.Any("error", err),
	)
	if !tripped {
		return nil
	}
	metrics.ObserveBreakerTrip()
	l.emitAlert(ctx, round, xerrors.CodeCircuitOpen, err, map[string]string{
		"trips": fmt.Sprint(l.breaker.Trips()),
	})
	if l.breaker.Exhausted() {
		logger.Audit().Error("熔断器耗尽，同步循环停止",
			slog.Int("pid", l.target.PID()),
			slog.Int("trips", l.breaker.Trips()),
			slog.Any("error", err),
		)
		return xerrors.Wrap(xerrors.CodeCircuitOpen, err, fmt.Sprintf("熔断器已打开 %d 次", l.breaker.Trips()))
	}
	return nil
}

// refreshTarget 按名称重新解析 pid，pid 变化时刷新读取句柄。
func (l *Loop) refreshTarget() error {
	if l.processName == "" {
		return nil
	}
	pid, err := l.resolve(l.procRoot, l.processName, 0)
	if err != nil {
		return err
	}
	if pid == l.target.PID() {
		return nil
	}
	l.logger.Info("目标进程 pid 变化", slog.Int("old", l.target.PID()), slog.Int("new", pid))
	return l.target.Refresh(pid)
}

func (l *Loop) emitAlert(ctx context.Context, round *protocol.Round, code xerrors.Code, cause error, metadata map[string]string) {
	if l.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		RoundID:    roundID(round),
		PID:        l.target.PID(),
		Attempts:   l.breaker.Trips(),
		MaxRetries: l.breaker.cfg.MaxTrips,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := l.alerter.Notify(ctx, event); err != nil {
		l.logger.Error("告警通知失败", slog.Any("error", err), slog.String("code", string(code)))
	}
}

func roundID(round *protocol.Round) string {
	if round == nil {
		return ""
	}
	return round.ID
}
