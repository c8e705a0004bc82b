package forkserver

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkserver/pkg/forkexec"
)

// Process 抽象了生命周期管理器使用的进程操作，便于测试时替换
type Process interface {
	forkexec.Forker

	// Kill 向 pid 发送信号
	Kill(pid int, sig syscall.Signal) error

	// Wait 阻塞等待 pid 退出、被信号终止或停止
	Wait(pid int) (unix.WaitStatus, error)

	// Exit 结束当前进程，生产实现不会返回
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
// WUNTRACED 使持久模式下子进程的 SIGSTOP 可以被观察到
func (SysProcess) Wait(pid int) (unix.WaitStatus, error) {
	var wstatus unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &wstatus, unix.WUNTRACED, nil)
		if err == unix.EINTR {
			continue
		}
		return wstatus, err
	}
}

// Exit 实现 Process
func (SysProcess) Exit(code int) {
	os.Exit(code)
}
