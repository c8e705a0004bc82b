package forkserver

import (
	"errors"
	"log/slog"
	"syscall"

	"github.com/zqzqsb/forkserver/pkg/afl"
	"github.com/zqzqsb/forkserver/pkg/forkexec"
)

// ErrShutdown 在 Process.Exit 返回时（只有测试替身会返回）由 SpawnChild 返回
var ErrShutdown = errors.New("forkserver: shutdown requested")

// childRestoreFailed 是子进程恢复信号处理失败时的退出码
const childRestoreFailed = 125

// Parent 负责 forkserver 循环中与子进程相关的全部操作
type Parent interface {
	// PreFuzzing 在进入循环前调用一次，通常用于安装信号处理
	PreFuzzing() error

	// SpawnChild 产生一个子进程
	// wasKilled 表示 supervisor 已经杀死了上一个子进程。
	// 持久模式下可以恢复一个停止的子进程来代替 fork
	SpawnChild(wasKilled bool) (forkexec.ForkResult, error)

	// HandleChildRequests 等待子进程完成本轮执行，返回 wait 状态字
	HandleChildRequests() (uint32, error)
}

// MaybePersistentParent 同时支持普通模式和持久模式的 Parent
//
// 状态 (childStopped, lastChildPid) 只由 SpawnChild 和 HandleChildRequests 修改，
// 并且始终满足 childStopped 蕴含 hasChild。
// fork 之后父子进程各自持有一份副本
type MaybePersistentParent struct {
	// Process 为 nil 时使用 SysProcess
	Process Process

	// Signals 为 nil 时使用 SysSignals
	Signals Signals

	// Logger 为 nil 时使用 slog.Default()，子进程中不会写日志
	Logger *slog.Logger

	lastChildPid int
	hasChild     bool
	childStopped bool
	restorer     SignalRestorer
}

// NewParent 创建使用真实系统调用的 MaybePersistentParent
func NewParent() *MaybePersistentParent {
	return &MaybePersistentParent{}
}

func (p *MaybePersistentParent) process() Process {
	if p.Process == nil {
		p.Process = SysProcess{}
	}
	return p.Process
}

func (p *MaybePersistentParent) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// LastChild 返回最近一个子进程的 pid
func (p *MaybePersistentParent) LastChild() (int, bool) {
	return p.lastChildPid, p.hasChild
}

// ChildStopped 报告最近的子进程是否处于停止状态（持久模式）
func (p *MaybePersistentParent) ChildStopped() bool {
	return p.childStopped
}

// PreFuzzing 实现 Parent
// 安装失败是致命的，没有可以继续的中间状态
func (p *MaybePersistentParent) PreFuzzing() error {
	signals := p.Signals
	if signals == nil {
		signals = SysSignals{}
	}
	restorer, err := signals.Install()
	if err != nil {
		p.logger().Error("failed to swap signal handlers", "error", err)
		return err
	}
	p.restorer = restorer
	return nil
}

// SpawnChild 实现 Parent
func (p *MaybePersistentParent) SpawnChild(wasKilled bool) (forkexec.ForkResult, error) {
	proc := p.process()

	if stopSoon.Load() {
		if p.hasChild {
			if err := proc.Kill(p.lastChildPid, syscall.SIGKILL); err != nil {
				p.logger().Error("failed to kill last child", "pid", p.lastChildPid, "error", err)
				return forkexec.ForkResult{}, afl.Wrap(afl.KindSystem, "kill last child", err)
			}
			p.hasChild, p.childStopped = false, false
		}
		proc.Exit(0)
		return forkexec.ForkResult{}, ErrShutdown
	}

	// 持久模式下子进程已经停止，但 supervisor 在竞争中先杀死了它：回收旧进程
	if p.childStopped && wasKilled {
		pid := p.lastChildPid
		p.childStopped, p.hasChild = false, false
		if _, err := proc.Wait(pid); err != nil {
			p.logger().Error("failed to reap killed child", "pid", pid, "error", err)
			return forkexec.ForkResult{}, afl.Wrap(afl.KindSystem, "reap stopped child", err)
		}
	}

	// 子进程仍然存活但处于停止状态，用 SIGCONT 恢复它
	if p.childStopped {
		if err := proc.Kill(p.lastChildPid, syscall.SIGCONT); err != nil {
			p.logger().Error("failed to resume stopped child", "pid", p.lastChildPid, "error", err)
			return forkexec.ForkResult{}, afl.Wrap(afl.KindSystem, "resume child", err)
		}
		p.childStopped = false
		return forkexec.Parent(p.lastChildPid), nil
	}

	r, err := proc.Fork()
	if err != nil {
		p.logger().Error("fork failed", "error", err)
		return forkexec.ForkResult{}, afl.Wrap(afl.KindSystem, "fork", err)
	}
	if r.IsChild() {
		// 子进程：恢复信号处理后把控制权交给调用方，失败只结束子进程
		if p.restorer != nil {
			if err := p.restorer.Restore(); err != nil {
				proc.Exit(childRestoreFailed)
				return forkexec.ForkResult{}, err
			}
		}
		return r, nil
	}
	p.lastChildPid, p.hasChild = r.Pid, true
	return r, nil
}

// HandleChildRequests 实现 Parent
// 子进程停止时记录下来以便下一轮 SIGCONT，退出或被信号终止时清除 pid
func (p *MaybePersistentParent) HandleChildRequests() (uint32, error) {
	if !p.hasChild {
		return 0, afl.Errorf(afl.KindIllegalArgument, "handle_child_requests", "no child to wait for")
	}
	wstatus, err := p.process().Wait(p.lastChildPid)
	if err != nil {
		p.logger().Error("waitpid failed", "pid", p.lastChildPid, "error", err)
		return 0, afl.Wrap(afl.KindSystem, "waitpid", err)
	}
	switch {
	case wstatus.Stopped():
		p.childStopped = true
	case wstatus.Exited(), wstatus.Signaled():
		p.hasChild = false
	}
	return uint32(wstatus), nil
}

// Pause 供持久模式的目标程序在完成一轮执行后调用
// 子进程向自己发送 SIGSTOP，父进程通过 WUNTRACED 观察到停止并在下一轮发送 SIGCONT
func Pause() error {
	if errno := forkexec.RaiseSelf(syscall.SIGSTOP); errno != 0 {
		return forkexec.ChildError{Err: errno, Location: forkexec.LocKill}
	}
	return nil
}
