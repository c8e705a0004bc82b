// Package seccomp 描述执行子进程的 seccomp 过滤器。
// 过滤器在父进程中编译好，fork 之后由子进程直接加载，
// 子进程中不再分配内存。
package seccomp

import "syscall"

// Filter 是 BPF 格式的 seccomp 过滤器
type Filter []syscall.SockFilter

// SockFprog 将 Filter 转换为 seccomp(2) 使用的 SockFprog 格式。
// 空过滤器返回 nil，表示不加载
func (f Filter) SockFprog() *syscall.SockFprog {
	if len(f) == 0 {
		return nil
	}
	b := []syscall.SockFilter(f)
	return &syscall.SockFprog{
		Len:    uint16(len(b)),
		Filter: &b[0],
	}
}
