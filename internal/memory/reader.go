package memory

import (
	stdErrors "errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	xerrors "Fairfy-Chain/internal/errors"
)

// Reader 持有 /proc/<pid>/mem 的句柄并按区域做定位读取。
// Reader 不是并发安全的，每个并发读取方应持有自己的 Reader。
type Reader struct {
	procRoot string
	pid      int
	file     *os.File
	closed   bool
}

// NewReader 创建读取器。句柄在第一次 Read 或显式 Open 时打开。
func NewReader(procRoot string, pid int) *Reader {
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	return &Reader{procRoot: procRoot, pid: pid}
}

// PID 返回当前绑定的进程号。
func (r *Reader) PID() int {
	return r.pid
}

// Open 打开内存句柄；已打开时为空操作。
func (r *Reader) Open() error {
	if r.file != nil {
		return nil
	}
	path := filepath.Join(r.procRoot, strconv.Itoa(r.pid), "mem")
	file, err := os.Open(path)
	if err != nil {
		return classifyOpenError(r.pid, path, err)
	}
	r.file = file
	r.closed = false
	return nil
}

// Refresh 关闭旧句柄并为 pid 重新打开，用于目标进程重启后的重新解析。
func (r *Reader) Refresh(pid int) error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	r.pid = pid
	return r.Open()
}

// Close 释放句柄，之后的 Read 返回 ErrReaderNotOpen，直到再次 Open。
func (r *Reader) Close() error {
	r.closed = true
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Read 读取区域的全部字节，读取不足时返回 ErrShortRead。
func (r *Reader) Read(region MemoryRegion) ([]byte, error) {
	if r.closed {
		return nil, ErrReaderNotOpen
	}
	if err := r.Open(); err != nil {
		return nil, err
	}
	if region.Start > math.MaxInt64 || region.Size() > math.MaxInt32 {
		return nil, regionError(xerrors.CodeRegionUnreadable, region, nil, "区域超出可寻址范围")
	}

	size := int(region.Size())
	buf := make([]byte, size)
	n, err := r.file.ReadAt(buf, int64(region.Start))
	if n == size {
		return buf, nil
	}
	if n == 0 && err != nil && !stdErrors.Is(err, io.EOF) {
		return nil, regionError(xerrors.CodeRegionUnreadable, region, err, "读取区域失败")
	}
	return nil, regionError(xerrors.CodeRegionShortRead, region, err, fmt.Sprintf("读取 %d/%d 字节", n, size))
}
