package memory

import (
	"bytes"
	"context"
	"log/slog"

	"Fairfy-Chain/pkg/logger"
)

// SnapshotReport 汇总一次快照的区域读取情况。
type SnapshotReport struct {
	PID        int
	Considered int
	Read       int
	Failed     int
	Bytes      int
}

// Dumper 将过滤后的区域按目录顺序拼接为一个快照镜像。
type Dumper struct {
	catalog *Catalog
	reader  *Reader
	logger  *slog.Logger
}

// NewDumper 创建面向 pid 的快照器。
func NewDumper(procRoot string, pid int) *Dumper {
	return &Dumper{
		catalog: NewCatalog(procRoot),
		reader:  NewReader(procRoot, pid),
		logger:  logger.Named("dumper"),
	}
}

// PID 返回当前目标进程号。
func (d *Dumper) PID() int {
	return d.reader.PID()
}

// Refresh 将快照器切换到新的 pid。
func (d *Dumper) Refresh(pid int) error {
	return d.reader.Refresh(pid)
}

// Close 释放内存句柄。
func (d *Dumper) Close() error {
	return d.reader.Close()
}

// Regions 返回当前进程满足策略的区域。
func (d *Dumper) Regions(policy RegionFilter) ([]MemoryRegion, error) {
	return d.catalog.ScanFiltered(d.reader.PID(), policy)
}

// Snapshot 读取全部匹配区域并拼接。单个区域失败只记录告警，不中断快照；
// 目录读取失败或上下文取消则返回错误。
func (d *Dumper) Snapshot(ctx context.Context, policy RegionFilter) ([]byte, SnapshotReport, error) {
	pid := d.reader.PID()
	report := SnapshotReport{PID: pid}
	regions, err := d.catalog.ScanFiltered(pid, policy)
	if err != nil {
		return nil, report, err
	}
	report.Considered = len(regions)

	var image bytes.Buffer
	for _, region := range regions {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		data, err := d.reader.Read(region)
		if err != nil {
			report.Failed++
			d.logger.Warn("读取区域失败，已跳过",
				slog.Int("pid", pid),
				slog.String("region", region.String()),
				slog.Any("error", err),
			)
			continue
		}
		report.Read++
		image.Write(data)
	}
	report.Bytes = image.Len()
	d.logger.Debug("快照完成",
		slog.Int("pid", pid),
		slog.String("filter", policy.String()),
		slog.Int("regions", report.Considered),
		slog.Int("failed", report.Failed),
		slog.Int("bytes", report.Bytes),
	)
	return image.Bytes(), report, nil
}
