package memory

import (
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/pkg/logger"
)

// DefaultProcRoot 是 procfs 的默认挂载点。
const DefaultProcRoot = "/proc"

// Catalog 列出进程的映射区域。每次 Scan 都重新读取，不做缓存。
type Catalog struct {
	procRoot string
	logger   *slog.Logger
}

// NewCatalog 创建基于 procRoot 的区域目录，procRoot 为空时使用 /proc。
func NewCatalog(procRoot string) *Catalog {
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	return &Catalog{procRoot: procRoot, logger: logger.Named("catalog")}
}

// Scan 返回 pid 的全部区域，顺序与 maps 文件一致。
func (c *Catalog) Scan(pid int) ([]MemoryRegion, error) {
	path := filepath.Join(c.procRoot, strconv.Itoa(pid), "maps")
	file, err := os.Open(path)
	if err != nil {
		return nil, classifyOpenError(pid, path, err)
	}
	defer file.Close()

	res, err := ParseMaps(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedSource, err, fmt.Sprintf("读取 %s 失败", path),
			xerrors.WithMetadata("pid", strconv.Itoa(pid)))
	}
	if len(res.Skipped) > 0 {
		c.logger.Debug("跳过格式错误的 maps 行",
			slog.Int("pid", pid),
			slog.Int("skipped", len(res.Skipped)),
			slog.Any("lines", res.Skipped),
		)
	}
	return res.Regions, nil
}

// ScanFiltered 扫描并按策略过滤。
func (c *Catalog) ScanFiltered(pid int, policy RegionFilter) ([]MemoryRegion, error) {
	regions, err := c.Scan(pid)
	if err != nil {
		return nil, err
	}
	return Filter(regions, policy), nil
}

func classifyOpenError(pid int, path string, err error) error {
	meta := xerrors.WithMetadata("pid", strconv.Itoa(pid))
	switch {
	case stdErrors.Is(err, fs.ErrNotExist):
		return xerrors.Wrap(xerrors.CodeProcessNotFound, err, fmt.Sprintf("进程 %d 不存在", pid), meta)
	case stdErrors.Is(err, fs.ErrPermission):
		return xerrors.Wrap(xerrors.CodePermissionDenied, err, fmt.Sprintf("无权访问 %s", path), meta)
	default:
		return xerrors.Wrap(xerrors.CodeMalformedSource, err, fmt.Sprintf("打开 %s 失败", path), meta)
	}
}
