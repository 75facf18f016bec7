package memory

import (
	stdErrors "errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"

	"github.com/prometheus/procfs"

	xerrors "Fairfy-Chain/internal/errors"
)

// ProcessInfo 汇总目标进程的基本信息。
type ProcessInfo struct {
	PID        int      `json:"pid"`
	Name       string   `json:"name"`
	Cmdline    []string `json:"cmdline,omitempty"`
	Executable string   `json:"executable,omitempty"`
	State      string   `json:"state,omitempty"`
	Threads    int      `json:"threads,omitempty"`
	VMSize     uint64   `json:"vm_size_bytes,omitempty"`
	VMRSS      uint64   `json:"vm_rss_bytes,omitempty"`
}

// FindProcessByName 返回 comm 与 name 完全相同的进程中 pid 最小的一个。
func FindProcessByName(procRoot, name string) (int, error) {
	if name == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "进程名不能为空")
	}
	fsys, err := openProcFS(procRoot)
	if err != nil {
		return 0, err
	}
	procs, err := fsys.AllProcs()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeMalformedSource, err, "枚举进程失败")
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil {
			// 进程可能在枚举期间退出。
			continue
		}
		if comm == name {
			return p.PID, nil
		}
	}
	return 0, xerrors.New(xerrors.CodeProcessNotFound, fmt.Sprintf("未找到名为 %q 的进程", name),
		xerrors.WithMetadata("name", name))
}

// LookupProcess 读取 pid 的基本信息。除 comm 以外的字段尽力而为。
func LookupProcess(procRoot string, pid int) (ProcessInfo, error) {
	fsys, err := openProcFS(procRoot)
	if err != nil {
		return ProcessInfo{}, err
	}
	p, err := fsys.Proc(pid)
	if err != nil {
		return ProcessInfo{}, classifyOpenError(pid, strconv.Itoa(pid), err)
	}
	name, err := p.Comm()
	if err != nil {
		return ProcessInfo{}, classifyOpenError(pid, "comm", err)
	}

	info := ProcessInfo{PID: pid, Name: name}
	if cmdline, err := p.CmdLine(); err == nil {
		info.Cmdline = cmdline
	}
	if exe, err := p.Executable(); err == nil {
		info.Executable = exe
	}
	if stat, err := p.Stat(); err == nil {
		info.State = stat.State
		info.Threads = stat.NumThreads
		info.VMSize = uint64(stat.VirtualMemory())
	}
	if status, err := p.NewStatus(); err == nil {
		info.VMRSS = status.VmRSS
		if info.VMSize == 0 {
			info.VMSize = status.VmSize
		}
	}
	return info, nil
}

// ResolvePID 优先按名称解析进程，未配置名称时使用固定 pid。
func ResolvePID(procRoot, name string, pid int) (int, error) {
	if name != "" {
		return FindProcessByName(procRoot, name)
	}
	if pid <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "必须配置进程名或 pid")
	}
	return pid, nil
}

func openProcFS(procRoot string) (procfs.FS, error) {
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	fsys, err := procfs.NewFS(procRoot)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return procfs.FS{}, xerrors.Wrap(xerrors.CodeMalformedSource, err, fmt.Sprintf("procfs %s 不存在", procRoot))
		}
		return procfs.FS{}, xerrors.Wrap(xerrors.CodeMalformedSource, err, "打开 procfs 失败")
	}
	return fsys, nil
}
