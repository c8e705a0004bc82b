package executor

import (
	"errors"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkserver/pkg/forkexec"
	"github.com/zqzqsb/forkserver/pkg/rlimit"
)

// fakeProcess 按顺序返回预先给出的 fork 结果，记录子进程分支的调用
type fakeProcess struct {
	fork    forkexec.ForkResult
	forkErr error
	forks   int

	status  unix.WaitStatus
	waitErr error
	// killWaits 为 true 时 Wait 阻塞到 Kill 被调用，然后返回 SIGKILL 状态
	killWaits bool
	killed    chan struct{}
	killOnce  sync.Once
	kills     []syscall.Signal

	hardenErr error
	hardened  int
	raised    []syscall.Signal
	exitCodes []int
}

func (f *fakeProcess) Fork() (forkexec.ForkResult, error) {
	f.forks++
	return f.fork, f.forkErr
}

func (f *fakeProcess) Kill(pid int, sig syscall.Signal) error {
	f.kills = append(f.kills, sig)
	if f.killed != nil {
		f.killOnce.Do(func() { close(f.killed) })
	}
	return nil
}

func (f *fakeProcess) Wait(pid int, rusage *unix.Rusage) (unix.WaitStatus, error) {
	if f.killWaits {
		<-f.killed
		return unix.WaitStatus(syscall.SIGKILL), nil
	}
	rusage.Utime = unix.Timeval{Usec: 1500}
	rusage.Maxrss = 2048
	return f.status, f.waitErr
}

func (f *fakeProcess) Harden(limits []rlimit.RLimit, prog *syscall.SockFprog) error {
	f.hardened++
	return f.hardenErr
}

func (f *fakeProcess) Raise(sig syscall.Signal) {
	f.raised = append(f.raised, sig)
}

func (f *fakeProcess) Exit(code int) {
	f.exitCodes = append(f.exitCodes, code)
}

func newKillWaiter() *fakeProcess {
	return &fakeProcess{fork: forkexec.Parent(31), killWaits: true, killed: make(chan struct{})}
}

var errBoom = errors.New("boom")
