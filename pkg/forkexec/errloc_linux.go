// Package forkexec 提供 fork 点以及子进程在 fork 之后使用的原始系统调用
//
// Fork 返回一个带标签的结果：父进程得到子进程的 pid，子进程得到 BranchChild。
// 从 beforeFork 到 clone 返回之间只允许执行原始系统调用，不能分配内存。
// 子进程恢复运行时状态之后可以执行普通的 Go 代码，但只有一个线程：
// fork 时被其他线程持有的锁不会被释放，其他 goroutine 也不保证还能运行
package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation 定义了子进程一侧失败的具体位置
type ErrorLocation int

// ChildError 描述 fork 或子进程准备阶段的失败
//   - Err: 系统调用返回的错误码
//   - Location: 失败的位置
//   - Index: 批量操作（如 rlimit）中的序号
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
	Index    int
}

// Location 常量，按照子进程准备的顺序排列
const (
	LocFork       ErrorLocation = iota + 1 // clone 失败
	LocSigaction                           // 恢复信号处理失败
	LocSetRlimit                           // 设置资源限制失败
	LocNoNewPrivs                          // 禁止获取新特权失败
	LocSeccomp                             // 加载 seccomp 失败
	LocKill                                // 发送信号失败
)

var locToString = []string{
	"unknown",
	"fork",
	"sigaction",
	"setrlimit",
	"set_no_new_privs",
	"seccomp",
	"kill",
}

func (e ErrorLocation) String() string {
	if e >= LocFork && e <= LocKill {
		return locToString[e]
	}
	return "unknown"
}

func (e ChildError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}

// Unwrap 返回底层的 errno
func (e ChildError) Unwrap() error {
	return e.Err
}
