package forkexec

import (
	"syscall"
)

// Branch 表示 fork 之后当前运行在哪一侧
type Branch int

// fork 的两个分支
const (
	BranchParent Branch = iota + 1
	BranchChild
)

func (b Branch) String() string {
	switch b {
	case BranchParent:
		return "parent"
	case BranchChild:
		return "child"
	default:
		return "invalid"
	}
}

// ForkResult 是 fork 点返回的带标签结果
// 父进程分支中 Pid 是子进程的 pid，子进程分支中 Pid 为 0
type ForkResult struct {
	Branch Branch
	Pid    int
}

// IsChild 报告当前是否运行在子进程中
func (r ForkResult) IsChild() bool {
	return r.Branch == BranchChild
}

// Parent 构造父进程分支的结果，供测试替身使用
func Parent(pid int) ForkResult {
	return ForkResult{Branch: BranchParent, Pid: pid}
}

// Child 构造子进程分支的结果，供测试替身使用
func Child() ForkResult {
	return ForkResult{Branch: BranchChild}
}

// Forker 是唯一的 fork 点
type Forker interface {
	Fork() (ForkResult, error)
}

// SysForker 使用 clone(SIGCHLD) 复制整个进程
type SysForker struct{}

// Fork 复制当前进程
//
// 子进程中只剩下当前线程：运行时的信号处理器已复位为默认值，
// 栈保护、信号掩码和 m.locks 已恢复，可以分配内存和增长栈。
// 其他线程持有的锁以及绑定到其他线程的 goroutine 不会再被释放或调度，
// 因此子进程不应依赖其他 goroutine，应尽快完成自己的工作并通过 Exit 结束
//
//go:norace
func (SysForker) Fork() (ForkResult, error) {
	// 持有 ForkLock，保证 fork 期间没有其他线程创建未设置 close-on-exec 的描述符
	syscall.ForkLock.Lock()

	// 从这里开始到 clone 返回不能分配内存
	beforeFork()

	r1, _, err1 := syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD), 0, 0, 0, 0, 0)
	if err1 != 0 || r1 != 0 {
		afterFork()
		syscall.ForkLock.Unlock()
		if err1 != 0 {
			return ForkResult{}, ChildError{Err: err1, Location: LocFork}
		}
		return ForkResult{Branch: BranchParent, Pid: int(r1)}, nil
	}

	// 子进程
	afterForkInChild()
	// 恢复 beforeFork 压低的栈保护，否则任何栈增长都会触发 fatal error
	afterFork()
	// 锁是随内存一起复制过来的，子进程中没有其他持有者
	syscall.ForkLock.Unlock()
	return ForkResult{Branch: BranchChild}, nil
}
