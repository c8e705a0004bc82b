package forkserver

import (
	"encoding/binary"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkserver/pkg/afl"
	"github.com/zqzqsb/forkserver/pkg/forkexec"
)

type killCall struct {
	pid int
	sig syscall.Signal
}

// fakeProcess 记录所有进程操作，fork 和 wait 的结果按顺序预先给出
type fakeProcess struct {
	forks     []forkexec.ForkResult
	forkCalls int
	forkErr   error

	kills   []killCall
	killErr error

	waited   []int
	statuses []unix.WaitStatus
	waitErr  error

	exitCodes []int
}

func (f *fakeProcess) Fork() (forkexec.ForkResult, error) {
	f.forkCalls++
	if f.forkErr != nil {
		return forkexec.ForkResult{}, f.forkErr
	}
	r := f.forks[0]
	f.forks = f.forks[1:]
	return r, nil
}

func (f *fakeProcess) Kill(pid int, sig syscall.Signal) error {
	f.kills = append(f.kills, killCall{pid, sig})
	return f.killErr
}

func (f *fakeProcess) Wait(pid int) (unix.WaitStatus, error) {
	f.waited = append(f.waited, pid)
	if f.waitErr != nil {
		return 0, f.waitErr
	}
	if len(f.statuses) == 0 {
		return 0, nil
	}
	ws := f.statuses[0]
	f.statuses = f.statuses[1:]
	return ws, nil
}

func (f *fakeProcess) Exit(code int) {
	f.exitCodes = append(f.exitCodes, code)
}

// fakeSignals 记录安装和恢复的次数
type fakeSignals struct {
	installs   int
	restores   int
	installErr error
	restoreErr error
}

func (s *fakeSignals) Install() (SignalRestorer, error) {
	if s.installErr != nil {
		return nil, s.installErr
	}
	s.installs++
	return s, nil
}

func (s *fakeSignals) Restore() error {
	s.restores++
	return s.restoreErr
}

// wait 状态字的构造，布局与内核一致
func exitedStatus(code int) unix.WaitStatus {
	return unix.WaitStatus(code << 8)
}

func signaledStatus(sig syscall.Signal) unix.WaitStatus {
	return unix.WaitStatus(sig)
}

func stoppedStatus(sig syscall.Signal) unix.WaitStatus {
	return unix.WaitStatus(int(sig)<<8 | 0x7f)
}

// supervisor 模拟 AFL++ 一侧的管道两端
type supervisor struct {
	t *testing.T

	ctlW int // supervisor 写，forkserver 读
	stR  int // forkserver 写，supervisor 读

	ch *afl.Channel
}

func newSupervisor(t *testing.T) *supervisor {
	t.Helper()
	var ctl, st [2]int
	require.NoError(t, unix.Pipe2(ctl[:], unix.O_CLOEXEC))
	require.NoError(t, unix.Pipe2(st[:], unix.O_CLOEXEC))
	s := &supervisor{t: t, ctlW: ctl[1], stR: st[0], ch: afl.NewChannel(ctl[0], st[1])}
	t.Cleanup(func() {
		if s.ctlW >= 0 {
			unix.Close(s.ctlW)
		}
		unix.Close(s.stR)
	})
	return s
}

// send 预先写入 forkserver 将要读取的控制字
func (s *supervisor) send(words ...uint32) {
	s.t.Helper()
	for _, w := range words {
		var buf [4]byte
		binary.NativeEndian.PutUint32(buf[:], w)
		_, err := unix.Write(s.ctlW, buf[:])
		require.NoError(s.t, err)
	}
}

// hangUp 关闭控制管道的写端，forkserver 下一次读取会遇到 EOF
func (s *supervisor) hangUp() {
	unix.Close(s.ctlW)
	s.ctlW = -1
}

// closeForkserverEnds 关闭 forkserver 持有的两端
func (s *supervisor) closeForkserverEnds() {
	unix.Close(s.ch.ReadFD())
	unix.Close(s.ch.WriteFD())
}

// received 读出 forkserver 写出的全部数据，调用前 forkserver 的写端必须已经关闭
func (s *supervisor) received() []byte {
	s.t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(s.stR, buf)
		if err == unix.EINTR {
			continue
		}
		require.NoError(s.t, err)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

// words 把数据按 4 字节控制字拆分
func words(b []byte) []uint32 {
	var w []uint32
	for len(b) >= 4 {
		w = append(w, binary.NativeEndian.Uint32(b))
		b = b[4:]
	}
	return w
}

// resetState 清除进程级状态，仅用于测试
func resetState(t *testing.T) {
	t.Helper()
	startGuard.Store(false)
	stopSoon.Store(false)
	t.Cleanup(func() {
		startGuard.Store(false)
		stopSoon.Store(false)
	})
}
