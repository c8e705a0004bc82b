// Package libseccomp 使用 go-seccomp-bpf 编译执行子进程的过滤策略
package libseccomp

import (
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"

	"github.com/zqzqsb/forkserver/pkg/seccomp"
)

// Builder 描述子进程的过滤策略
type Builder struct {
	Allow   []string       // 允许执行的系统调用
	Deny    []string       // 返回 EPERM 的系统调用
	Default seccomp.Action // 其余系统调用的动作
}

// Build 把策略编译为 BPF 过滤器
func (b *Builder) Build() (seccomp.Filter, error) {
	if err := checkNames(b.Allow); err != nil {
		return nil, err
	}
	if err := checkNames(b.Deny); err != nil {
		return nil, err
	}

	policy := libseccomp.Policy{
		DefaultAction: ToSeccompAction(b.Default),
	}
	if len(b.Allow) > 0 {
		policy.Syscalls = append(policy.Syscalls, libseccomp.SyscallGroup{
			Action: libseccomp.ActionAllow,
			Names:  b.Allow,
		})
	}
	if len(b.Deny) > 0 {
		policy.Syscalls = append(policy.Syscalls, libseccomp.SyscallGroup{
			Action: libseccomp.ActionErrno,
			Names:  b.Deny,
		})
	}

	program, err := policy.Assemble()
	if err != nil {
		return nil, err
	}
	return ExportBPF(program)
}

// ExportBPF 将 BPF 指令汇编为内核使用的格式
func ExportBPF(filter []bpf.Instruction) (seccomp.Filter, error) {
	raw, err := bpf.Assemble(filter)
	if err != nil {
		return nil, err
	}
	return sockFilter(raw), nil
}

func sockFilter(raw []bpf.RawInstruction) []syscall.SockFilter {
	filter := make([]syscall.SockFilter, 0, len(raw))
	for _, instruction := range raw {
		filter = append(filter, syscall.SockFilter{
			Code: instruction.Op,
			Jt:   instruction.Jt,
			Jf:   instruction.Jf,
			K:    instruction.K,
		})
	}
	return filter
}
