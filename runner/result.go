package runner

import (
	"fmt"
	"time"
)

// Result 是一次执行的结果
type Result struct {
	ExitKind       // 分类结果
	Pid        int // 子进程 pid
	ExitStatus int // 退出状态（如果被信号终止则为信号编号）

	Time   time.Duration // 子进程使用的用户 CPU 时间
	Memory Size          // 子进程的最大常驻内存

	// 执行器的度量指标
	SetUpTime   time.Duration // fork 之前的准备时间
	RunningTime time.Duration // fork 到回收子进程的时间
}

func (r Result) String() string {
	switch r.ExitKind {
	case ExitOk:
		return fmt.Sprintf("Result[ok(%d)][%v %v][%v %v]", r.ExitStatus, r.Time, r.Memory, r.SetUpTime, r.RunningTime)

	case ExitCrash:
		return fmt.Sprintf("Result[crash(signal %d)][%v %v][%v %v]", r.ExitStatus, r.Time, r.Memory, r.SetUpTime, r.RunningTime)

	default:
		return fmt.Sprintf("Result[%v(%d)][%v %v][%v %v]", r.ExitKind, r.ExitStatus, r.Time, r.Memory, r.SetUpTime, r.RunningTime)
	}
}
