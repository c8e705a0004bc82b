package forkexec

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkserver/pkg/rlimit"
)

// Sigaction 是内核 struct sigaction 的原始布局（amd64 / arm64）
// 只用于保存和恢复信号处理方式，不解释其中的字段
type Sigaction struct {
	Handler  uintptr
	Flags    uint64
	Restorer uintptr
	Mask     uint64
}

// handler 的两个特殊值
const (
	SigDfl uintptr = 0
	SigIgn uintptr = 1
)

// GetSigaction 读取 sig 当前的处理方式
//
//go:nosplit
func GetSigaction(sig syscall.Signal, old *Sigaction) syscall.Errno {
	_, _, err1 := syscall.RawSyscall6(syscall.SYS_RT_SIGACTION, uintptr(sig), 0, uintptr(unsafe.Pointer(old)), sigsetSize, 0, 0)
	return err1
}

// SetSigaction 安装 act，并把之前的处理方式写入 old（old 可以为 nil）
//
//go:nosplit
func SetSigaction(sig syscall.Signal, act, old *Sigaction) syscall.Errno {
	_, _, err1 := syscall.RawSyscall6(syscall.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(act)), uintptr(unsafe.Pointer(old)), sigsetSize, 0, 0)
	return err1
}

// ApplyRLimits 在子进程中设置资源限制
// prlimit 代替 setrlimit 以避免 32 位限制
func ApplyRLimits(limits []rlimit.RLimit) error {
	for i := range limits {
		_, _, err1 := syscall.RawSyscall6(syscall.SYS_PRLIMIT64, 0, uintptr(limits[i].Res), uintptr(unsafe.Pointer(&limits[i].Rlim)), 0, 0, 0)
		if err1 != 0 {
			return ChildError{Err: err1, Location: LocSetRlimit, Index: i + 1}
		}
	}
	return nil
}

// ApplySeccomp 禁止获取新特权并加载 seccomp 过滤器
func ApplySeccomp(prog *syscall.SockFprog) error {
	if prog == nil {
		return nil
	}
	_, _, err1 := syscall.RawSyscall6(syscall.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0)
	if err1 != 0 {
		return ChildError{Err: err1, Location: LocNoNewPrivs}
	}
	_, _, err1 = syscall.RawSyscall(unix.SYS_SECCOMP, SECCOMP_SET_MODE_FILTER, SECCOMP_FILTER_FLAG_TSYNC, uintptr(unsafe.Pointer(prog)))
	if err1 != 0 {
		return ChildError{Err: err1, Location: LocSeccomp}
	}
	return nil
}

// RaiseSelf 向当前进程发送信号
//
//go:nosplit
func RaiseSelf(sig syscall.Signal) syscall.Errno {
	pid, _, _ := syscall.RawSyscall(syscall.SYS_GETPID, 0, 0, 0)
	_, _, err1 := syscall.RawSyscall(syscall.SYS_KILL, pid, uintptr(sig), 0)
	return err1
}

// Exit 立即结束整个进程，不运行 defer 也不刷新缓冲区
//
//go:nosplit
func Exit(code int) {
	for {
		syscall.RawSyscall(syscall.SYS_EXIT_GROUP, uintptr(code), 0, 0)
	}
}
