package executor

import (
	"runtime/debug"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkserver/pkg/forkexec"
	"github.com/zqzqsb/forkserver/pkg/rlimit"
)

// Process 抽象执行器使用的进程操作
// Harden、Raise 和 Exit 只在 fork 出的子进程中调用
type Process interface {
	forkexec.Forker

	// Kill 向 pid 发送信号
	Kill(pid int, sig syscall.Signal) error

	// Wait 阻塞等待 pid 结束，并填充资源使用统计
	Wait(pid int, rusage *unix.Rusage) (unix.WaitStatus, error)

	// Harden 在子进程中应用资源限制和 seccomp 过滤器，并让运行时错误以信号结束
	Harden(limits []rlimit.RLimit, prog *syscall.SockFprog) error

	// Raise 向当前进程发送信号
	Raise(sig syscall.Signal)

	// Exit 立即结束当前进程
	Exit(code int)
}

// SysProcess 是 Process 的系统调用实现
type SysProcess struct {
	forkexec.SysForker
}

// Kill 实现 Process
func (SysProcess) Kill(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// Wait 实现 Process
func (SysProcess) Wait(pid int, rusage *unix.Rusage) (unix.WaitStatus, error) {
	var wstatus unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &wstatus, 0, rusage)
		if err == unix.EINTR {
			continue
		}
		return wstatus, err
	}
}

// Harden 实现 Process
// 运行时的 fatal error 改为以 SIGABRT 结束，而不是以退出码 2 退出
func (SysProcess) Harden(limits []rlimit.RLimit, prog *syscall.SockFprog) error {
	debug.SetTraceback("crash")
	if err := forkexec.ApplyRLimits(limits); err != nil {
		return err
	}
	return forkexec.ApplySeccomp(prog)
}

// Raise 实现 Process
func (SysProcess) Raise(sig syscall.Signal) {
	forkexec.RaiseSelf(sig)
}

// Exit 实现 Process
func (SysProcess) Exit(code int) {
	forkexec.Exit(code)
}
