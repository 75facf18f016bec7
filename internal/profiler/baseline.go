package profiler

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
)

// BaselineFileName 返回 pid 对应的基线文件名。
func BaselineFileName(pid int) string {
	return fmt.Sprintf("static_memory_%d.bin.gz", pid)
}

// WriteBaseline 将归约后的序列以 gzip 写入 dir，返回文件路径。
func WriteBaseline(dir string, pid int, reduced []merkle.Hash) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建基线目录失败")
	}
	path := filepath.Join(dir, BaselineFileName(pid))
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建基线文件失败")
	}
	if err := EncodeBaseline(file, reduced); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭基线文件失败")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入基线文件失败")
	}
	return path, nil
}

// EncodeBaseline 写出 gzip 压缩的 32 字节槽位序列。
func EncodeBaseline(w io.Writer, reduced []merkle.Hash) error {
	zw := gzip.NewWriter(w)
	for _, h := range reduced {
		if _, err := zw.Write(h[:]); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩基线失败")
		}
	}
	if err := zw.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩基线失败")
	}
	return nil
}

// ReadBaseline 读取 WriteBaseline 写出的文件。
func ReadBaseline(path string) ([]merkle.Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "打开基线文件失败")
	}
	defer file.Close()
	return DecodeBaseline(file)
}

// DecodeBaseline 解压并按 32 字节切分槽位。
func DecodeBaseline(r io.Reader) ([]merkle.Hash, error) {
	zr, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "基线不是有效的 gzip 数据")
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解压基线失败")
	}
	if len(raw)%merkle.HashSize != 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("基线长度 %d 不是 %d 的整数倍", len(raw), merkle.HashSize))
	}
	out := make([]merkle.Hash, len(raw)/merkle.HashSize)
	for i := range out {
		copy(out[i][:], raw[i*merkle.HashSize:])
	}
	return out, nil
}

// CountDifferences 统计基线中非零槽位与 current 不一致的数量。
// 零槽位是通配符；current 缺少的槽位计为不一致。
func CountDifferences(baseline, current []merkle.Hash) int {
	diffs := 0
	for i, h := range baseline {
		if h.IsZero() {
			continue
		}
		if i >= len(current) || current[i] != h {
			diffs++
		}
	}
	return diffs
}
