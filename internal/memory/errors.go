package memory

import (
	"fmt"

	xerrors "Fairfy-Chain/internal/errors"
)

var (
	// ErrProcessNotFound 表示目标进程不存在或已退出。
	ErrProcessNotFound = xerrors.New(xerrors.CodeProcessNotFound, "")
	// ErrPermissionDenied 表示当前用户无权读取目标进程。
	ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "")
	// ErrMalformedSource 表示区域列表无法读取。
	ErrMalformedSource = xerrors.New(xerrors.CodeMalformedSource, "")
	// ErrRegionUnreadable 表示区域读取失败，例如 guard page。
	ErrRegionUnreadable = xerrors.New(xerrors.CodeRegionUnreadable, "")
	// ErrShortRead 表示读取到的字节数少于区域大小。
	ErrShortRead = xerrors.New(xerrors.CodeRegionShortRead, "")
	// ErrReaderNotOpen 表示读取器已关闭。
	ErrReaderNotOpen = xerrors.New(xerrors.CodeReaderNotOpen, "")
)

func regionError(code xerrors.Code, region MemoryRegion, cause error, message string) error {
	return xerrors.Wrap(code, cause, fmt.Sprintf("%s: %s", region, message),
		xerrors.WithMetadata("region", region.String()),
	)
}
