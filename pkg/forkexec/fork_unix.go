package forkexec

// go:linkname 需要导入 unsafe
import _ "unsafe"

// beforeFork 阻塞所有信号并准备 fork
// 从这里到 clone 返回之间不能分配内存
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

// afterFork 在父进程中恢复信号掩码
//
//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

// afterForkInChild 在子进程中把运行时安装的信号处理器复位为默认值并恢复信号掩码
// 子进程中只剩下调用 fork 的这一个线程
//
//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
