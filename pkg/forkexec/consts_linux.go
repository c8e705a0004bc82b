package forkexec

// syscall 包中缺少的常量
const (
	// SECCOMP_SET_MODE_FILTER 使用 BPF 过滤器限制系统调用
	SECCOMP_SET_MODE_FILTER = 1

	// SECCOMP_FILTER_FLAG_TSYNC 把过滤器同步到所有线程
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// sigsetSize 是内核 sigset_t 的字节数，rt_sigaction 需要
	sigsetSize = 8
)
