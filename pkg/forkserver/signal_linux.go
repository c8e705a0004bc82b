package forkserver

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/zqzqsb/forkserver/pkg/afl"
	"github.com/zqzqsb/forkserver/pkg/forkexec"
)

// stopSoon 是进程内唯一可以被信号路径修改的状态
// 收到 SIGTERM 时只做一次原子写入，在 SpawnChild 开头检查
var stopSoon atomic.Bool

// RequestStop 请求 forkserver 在下一次 SpawnChild 时杀死子进程并退出
// 与收到 SIGTERM 的效果相同
func RequestStop() {
	stopSoon.Store(true)
}

// Signals 安装 forkserver 循环期间需要的信号处理方式
type Signals interface {
	// Install 把 SIGCHLD 设为默认处理、拦截 SIGTERM，
	// 并返回一个可以恢复之前处理方式的令牌
	Install() (SignalRestorer, error)
}

// SignalRestorer 恢复 Install 之前的信号处理方式
// 只在 fork 出的子进程中显式调用一次，不依赖作用域结束时的自动清理
type SignalRestorer interface {
	Restore() error
}

// SysSignals 通过 rt_sigaction 和 os/signal 安装信号处理
type SysSignals struct{}

// sysRestorer 保存安装前的原始 sigaction
type sysRestorer struct {
	oldChld  forkexec.Sigaction
	oldTerm  forkexec.Sigaction
	restored bool
}

// Install 实现 Signals
func (SysSignals) Install() (SignalRestorer, error) {
	r := new(sysRestorer)

	// 先记录 SIGTERM 的原始处理方式，再交给 os/signal
	if errno := forkexec.GetSigaction(syscall.SIGTERM, &r.oldTerm); errno != 0 {
		return nil, afl.Wrap(afl.KindSystem, "swap SIGTERM handler", errno)
	}

	// SIGCHLD 必须是默认处理，否则继承来的 SIG_IGN 会让 wait4 返回 ECHILD
	dfl := forkexec.Sigaction{Handler: forkexec.SigDfl}
	if errno := forkexec.SetSigaction(syscall.SIGCHLD, &dfl, &r.oldChld); errno != 0 {
		return nil, afl.Wrap(afl.KindSystem, "swap SIGCHLD handler", errno)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		for range ch {
			stopSoon.Store(true)
		}
	}()
	return r, nil
}

// Restore 在子进程中恢复 SIGCHLD 和 SIGTERM 的原始处理方式
// 只使用原始系统调用
func (r *sysRestorer) Restore() error {
	if r.restored {
		return afl.Errorf(afl.KindIllegalArgument, "restore signal handlers", "signal handlers have been restored before")
	}
	r.restored = true
	chld, term := childAction(r.oldChld), childAction(r.oldTerm)
	if errno := forkexec.SetSigaction(syscall.SIGCHLD, &chld, nil); errno != 0 {
		return forkexec.ChildError{Err: errno, Location: forkexec.LocSigaction, Index: int(syscall.SIGCHLD)}
	}
	if errno := forkexec.SetSigaction(syscall.SIGTERM, &term, nil); errno != 0 {
		return forkexec.ChildError{Err: errno, Location: forkexec.LocSigaction, Index: int(syscall.SIGTERM)}
	}
	return nil
}

// childAction 把父进程记录的处理方式换算成子进程中使用的处理方式
// Go 运行时的处理器会把 SIGTERM 送进继承来的 signal.Notify 通道，子进程改用 SIG_DFL，
// 与没有订阅时运行时结束进程的行为一致。
// signal.Reset 依赖绑定在其他线程上的 goroutine，在子进程中会永久阻塞
func childAction(old forkexec.Sigaction) forkexec.Sigaction {
	switch old.Handler {
	case forkexec.SigDfl, forkexec.SigIgn:
		return old
	default:
		return forkexec.Sigaction{Handler: forkexec.SigDfl}
	}
}
