package memory

import (
	"fmt"
	"strings"
)

const (
	interestingMaxSize     = 50 << 20
	interestingMaxAnonSize = 10 << 20
)

// RegionFilter 是区域选择策略。
type RegionFilter int

const (
	FilterAll RegionFilter = iota
	FilterInteresting
	FilterReadable
	FilterWritable
	FilterExecutable
	FilterHeapStack
	FilterLibraries
	FilterMainExecutable
	FilterAnonymous
)

var filterNames = map[RegionFilter]string{
	FilterAll:            "all",
	FilterInteresting:    "interesting",
	FilterReadable:       "readable",
	FilterWritable:       "writable",
	FilterExecutable:     "executable",
	FilterHeapStack:      "heap_stack",
	FilterLibraries:      "libraries",
	FilterMainExecutable: "main_executable",
	FilterAnonymous:      "anonymous",
}

func (f RegionFilter) String() string {
	if name, ok := filterNames[f]; ok {
		return name
	}
	return fmt.Sprintf("RegionFilter(%d)", int(f))
}

// ParseRegionFilter 将配置中的名称转换为过滤策略，忽略大小写与连字符差异。
func ParseRegionFilter(name string) (RegionFilter, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for f, n := range filterNames {
		if n == normalized {
			return f, nil
		}
	}
	return FilterAll, fmt.Errorf("unknown region filter %q", name)
}

// Matches 判断区域是否满足策略。
func (f RegionFilter) Matches(r MemoryRegion) bool {
	switch f {
	case FilterAll:
		return true
	case FilterInteresting:
		return !r.IsLibrary() &&
			r.Size() < interestingMaxSize &&
			!(r.Anonymous() && r.Size() > interestingMaxAnonSize) &&
			!r.IsKernelSpecial()
	case FilterReadable:
		return r.Perms.Read
	case FilterWritable:
		return r.Perms.Write
	case FilterExecutable:
		return r.Perms.Execute
	case FilterHeapStack:
		return r.IsHeapOrStack()
	case FilterLibraries:
		return r.IsLibrary()
	case FilterMainExecutable:
		return r.Perms.Execute && !r.Anonymous() && !r.IsPseudo() && !r.IsLibrary()
	case FilterAnonymous:
		return r.Anonymous()
	default:
		return false
	}
}

// Filter 按原顺序返回满足策略的区域子集。
func Filter(regions []MemoryRegion, policy RegionFilter) []MemoryRegion {
	out := make([]MemoryRegion, 0, len(regions))
	for _, r := range regions {
		if policy.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}
