package memory

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseResult 是一次 maps 解析的结果。
type ParseResult struct {
	Regions []MemoryRegion
	// Skipped 记录被丢弃的格式错误行号（从 1 开始）。
	Skipped []int
}

// maxMapsLine 是单行 maps 记录的上限，超出的行整行丢弃并计入 Skipped。
const maxMapsLine = 64 * 1024

// ParseMaps 逐行解析 /proc/<pid>/maps 格式的输入。格式错误或过长的行被跳过，
// 只有底层读取失败才返回错误。
func ParseMaps(r io.Reader) (ParseResult, error) {
	var res ParseResult
	br := bufio.NewReaderSize(r, maxMapsLine)
	lineNo := 0
	for {
		raw, isPrefix, err := br.ReadLine()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		lineNo++
		if isPrefix {
			if err := discardLine(br); err != nil {
				return res, err
			}
			res.Skipped = append(res.Skipped, lineNo)
			continue
		}
		line := string(raw)
		if strings.TrimSpace(line) == "" {
			continue
		}
		region, err := parseMapsLine(line)
		if err != nil {
			res.Skipped = append(res.Skipped, lineNo)
			continue
		}
		res.Regions = append(res.Regions, region)
	}
}

// discardLine 读完当前行的剩余部分。
func discardLine(br *bufio.Reader) error {
	for {
		_, isPrefix, err := br.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !isPrefix {
			return nil
		}
	}
}

func parseMapsLine(line string) (MemoryRegion, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return MemoryRegion{}, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}

	startStr, endStr, ok := strings.Cut(fields[0], "-")
	if !ok {
		return MemoryRegion{}, fmt.Errorf("address range %q has no separator", fields[0])
	}
	start, err := strconv.ParseUint(startStr, 16, 64)
	if err != nil {
		return MemoryRegion{}, fmt.Errorf("start address: %w", err)
	}
	end, err := strconv.ParseUint(endStr, 16, 64)
	if err != nil {
		return MemoryRegion{}, fmt.Errorf("end address: %w", err)
	}
	if end <= start {
		return MemoryRegion{}, fmt.Errorf("empty range %s", fields[0])
	}

	perms, err := ParsePermissions(fields[1])
	if err != nil {
		return MemoryRegion{}, err
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return MemoryRegion{}, fmt.Errorf("offset: %w", err)
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return MemoryRegion{}, fmt.Errorf("inode: %w", err)
	}

	return MemoryRegion{
		Start:    start,
		End:      end,
		Perms:    perms,
		Offset:   offset,
		Device:   fields[3],
		Inode:    inode,
		Pathname: strings.Join(fields[5:], " "),
	}, nil
}
