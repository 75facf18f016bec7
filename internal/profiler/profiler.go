// Package profiler observes the leaf sequence of a process over a window of
// samples, marks which leaf slots never changed, and persists the reduced
// sequence as a compressed static baseline.
package profiler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/memory"
	"Fairfy-Chain/internal/merkle"
	"Fairfy-Chain/pkg/logger"
)

// Source 产生一次进程快照。
type Source interface {
	PID() int
	Snapshot(ctx context.Context, policy memory.RegionFilter) ([]byte, memory.SnapshotReport, error)
}

// Config 描述采样窗口。
type Config struct {
	Samples   int
	Interval  time.Duration
	ChunkSize int
	Filter    memory.RegionFilter
}

// Result 是一次剖析的结果。Static[i] 为 true 表示槽位 i 在整个窗口内保持不变。
type Result struct {
	PID     int
	Initial []merkle.Hash
	Static  []bool
	Samples int
}

// StaticCount 返回静态槽位数量。
func (r Result) StaticCount() int {
	n := 0
	for _, s := range r.Static {
		if s {
			n++
		}
	}
	return n
}

// Reduce 返回初始叶子序列，动态槽位被置零。
func (r Result) Reduce() []merkle.Hash {
	out := make([]merkle.Hash, len(r.Initial))
	for i, h := range r.Initial {
		if r.Static[i] {
			out[i] = h
		}
	}
	return out
}

// Observe 用一次新采样更新静态标记。一旦变为动态就不会恢复。
// 新采样缺少的槽位视为已变化。
func Observe(initial []merkle.Hash, static []bool, sample []merkle.Hash) {
	for i := range static {
		if !static[i] {
			continue
		}
		if i >= len(sample) || sample[i] != initial[i] {
			static[i] = false
		}
	}
}

// Profile 采集初始序列后再采样 cfg.Samples 次。
func Profile(ctx context.Context, source Source, cfg Config) (Result, error) {
	log := logger.Named("profiler")
	if cfg.ChunkSize <= 0 {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("chunk size must be positive, got %d", cfg.ChunkSize))
	}

	initial, err := sample(ctx, source, cfg)
	if err != nil {
		return Result{}, err
	}
	res := Result{PID: source.PID(), Initial: initial, Static: make([]bool, len(initial))}
	for i := range res.Static {
		res.Static[i] = true
	}

	for n := 0; n < cfg.Samples; n++ {
		if err := sleepContext(ctx, cfg.Interval); err != nil {
			return res, err
		}
		leaves, err := sample(ctx, source, cfg)
		if err != nil {
			return res, err
		}
		Observe(res.Initial, res.Static, leaves)
		res.Samples++
		log.Debug("采样完成",
			slog.Int("pid", res.PID),
			slog.Int("sample", res.Samples),
			slog.Int("static", res.StaticCount()),
			slog.Int("slots", len(res.Static)),
		)
	}
	log.Info("剖析完成",
		slog.Int("pid", res.PID),
		slog.Int("samples", res.Samples),
		slog.Int("static", res.StaticCount()),
		slog.Int("slots", len(res.Static)),
	)
	return res, nil
}

func sample(ctx context.Context, source Source, cfg Config) ([]merkle.Hash, error) {
	data, _, err := source.Snapshot(ctx, cfg.Filter)
	if err != nil {
		return nil, err
	}
	return merkle.DeriveLeaves(data, cfg.ChunkSize)
}

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
