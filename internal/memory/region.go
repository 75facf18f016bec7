package memory

import (
	"fmt"
	"strings"
)

// Permissions 对应 maps 文件中的权限列，例如 "r-xp"。
type Permissions struct {
	Read    bool
	Write   bool
	Execute bool
	Shared  bool
}

// ParsePermissions 解析四字符的权限串。
func ParsePermissions(s string) (Permissions, error) {
	if len(s) != 4 {
		return Permissions{}, fmt.Errorf("permission string %q must have 4 characters", s)
	}
	var p Permissions
	for i, want := range []byte{'r', 'w', 'x'} {
		switch s[i] {
		case want:
			switch i {
			case 0:
				p.Read = true
			case 1:
				p.Write = true
			case 2:
				p.Execute = true
			}
		case '-':
		default:
			return Permissions{}, fmt.Errorf("permission string %q: unexpected %q", s, s[i])
		}
	}
	switch s[3] {
	case 's':
		p.Shared = true
	case 'p':
	default:
		return Permissions{}, fmt.Errorf("permission string %q: unexpected sharing flag %q", s, s[3])
	}
	return p, nil
}

func (p Permissions) String() string {
	b := []byte("---p")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	if p.Shared {
		b[3] = 's'
	}
	return string(b)
}

// MemoryRegion 描述一段连续映射的虚拟地址区间 [Start, End)。
type MemoryRegion struct {
	Start    uint64
	End      uint64
	Perms    Permissions
	Offset   uint64
	Device   string
	Inode    uint64
	Pathname string
}

// Size 返回区域字节数。
func (r MemoryRegion) Size() uint64 {
	return r.End - r.Start
}

// Anonymous 报告区域是否没有关联的路径名。
func (r MemoryRegion) Anonymous() bool {
	return r.Pathname == ""
}

// IsLibrary 报告区域是否来自共享库。
func (r MemoryRegion) IsLibrary() bool {
	p := r.Pathname
	return strings.HasSuffix(p, ".so") || strings.Contains(p, ".so.") || strings.Contains(p, ".gem")
}

// IsPseudo 报告路径名是否为方括号形式，例如 [heap]、[vdso]。
func (r MemoryRegion) IsPseudo() bool {
	return strings.HasPrefix(r.Pathname, "[") && strings.HasSuffix(r.Pathname, "]")
}

var kernelSpecial = map[string]bool{
	"[vdso]":        true,
	"[vsyscall]":    true,
	"[vvar]":        true,
	"[vvar_vclock]": true,
	"[vectors]":     true,
	"[sigpage]":     true,
	"[uprobes]":     true,
}

// IsKernelSpecial 报告区域是否为内核提供的特殊映射。
func (r MemoryRegion) IsKernelSpecial() bool {
	return kernelSpecial[r.Pathname]
}

// IsHeapOrStack 报告区域是否为进程堆或栈。
func (r MemoryRegion) IsHeapOrStack() bool {
	return r.Pathname == "[heap]" || strings.HasPrefix(r.Pathname, "[stack")
}

func (r MemoryRegion) String() string {
	name := r.Pathname
	if name == "" {
		name = "[anon]"
	}
	return fmt.Sprintf("%#x-%#x %s (size %d) %s", r.Start, r.End, r.Perms, r.Size(), name)
}
