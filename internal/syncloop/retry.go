package syncloop

import (
	"context"
	"log/slog"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/observability/metrics"
	"Fairfy-Chain/internal/protocol"
)

// RetryPolicy 描述单次投递的重试策略。
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff 返回第 attempt 次失败后的等待时间：Base * 2^(attempt-1)，不超过 MaxBackoff。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// shouldRetry 只重试可重试的传输层错误。
func shouldRetry(err error) bool {
	return xerrors.InClass(err, xerrors.ClassTransport) && xerrors.RetryableError(err)
}

type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 || ctx.Err() != nil {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryingSender 为 Sender 与 VerdictWaiter 加上有界重试与指数退避。
type retryingSender struct {
	sender protocol.Sender
	waiter protocol.VerdictWaiter
	policy RetryPolicy
	sleep  sleeper
	logger *slog.Logger
}

func (s *retryingSender) SendCommit(ctx context.Context, msg protocol.CommitMessage) (protocol.Receipt, error) {
	return withRetry(ctx, s, "commit", func(ctx context.Context) (protocol.Receipt, error) {
		return s.sender.SendCommit(ctx, msg)
	})
}

func (s *retryingSender) SendReveal(ctx context.Context, msg protocol.RevealMessage) (protocol.Receipt, error) {
	return withRetry(ctx, s, "reveal", func(ctx context.Context) (protocol.Receipt, error) {
		return s.sender.SendReveal(ctx, msg)
	})
}

func (s *retryingSender) AwaitVerdict(ctx context.Context, jobID string) (protocol.Verdict, error) {
	return withRetry(ctx, s, "verdict", func(ctx context.Context) (protocol.Verdict, error) {
		return s.waiter.AwaitVerdict(ctx, jobID)
	})
}

func withRetry[T any](ctx context.Context, s *retryingSender, kind string, fn func(context.Context) (T, error)) (T, error) {
	attempts := s.policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var zero T
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if attempt >= attempts || !shouldRetry(err) || ctx.Err() != nil {
			return zero, err
		}
		backoff := s.policy.Backoff(attempt)
		metrics.ObserveSendRetry(kind)
		s.logger.Warn("投递失败，准备重试",
			slog.String("kind", kind),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		if sleepErr := s.sleep(ctx, backoff); sleepErr != nil {
			return zero, sleepErr
		}
	}
}
