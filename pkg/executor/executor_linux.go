// Package executor 实现每次执行 fork 一个子进程的执行器
//
// 父进程在 fork 之前准备好资源限制和 seccomp 过滤器；子进程应用它们之后
// 直接调用 harness，然后退出或者以 SIGABRT 结束。子进程写入的共享映射
// （例如覆盖率 map）在 RunTarget 返回后对父进程可见。
//
// harness 运行在只有一个线程的 fork 子进程中，可以分配内存和读写文件，
// 但不能等待其他 goroutine。harness 中的 panic 按崩溃处理
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkserver/pkg/afl"
	"github.com/zqzqsb/forkserver/pkg/rlimit"
	"github.com/zqzqsb/forkserver/pkg/seccomp"
	"github.com/zqzqsb/forkserver/runner"
)

// childSetupFailed 是子进程应用资源限制或过滤器失败时的退出码
const childSetupFailed = 126

var (
	// ErrChildSetup 表示子进程在运行 harness 之前失败
	ErrChildSetup = errors.New("executor: child setup failed")

	// ErrInChild 只在 Process 的 Exit 返回时出现（测试替身），表示当前位于子进程分支
	ErrInChild = errors.New("executor: returned in forked child")
)

// Harness 在子进程中以输入执行一次目标
type Harness[S any] func(state *S, input []byte) runner.ExitKind

// Options 是执行器的可选配置
type Options struct {
	// Process 为 nil 时使用 SysProcess
	Process Process

	// Timeout 大于 0 时，超时的子进程被 SIGKILL 并归类为 ExitTimeout
	Timeout time.Duration

	// RLimits 在子进程中应用
	RLimits rlimit.RLimits

	// Seccomp 为空时不加载过滤器
	Seccomp seccomp.Filter

	// Logger 为 nil 时使用 slog.Default()
	Logger *slog.Logger

	// Registerer 为 nil 时指标不注册
	Registerer prometheus.Registerer
}

// StatefulForkExecutor 每次执行 fork 一个子进程运行 harness
type StatefulForkExecutor[S any] struct {
	harness Harness[S]
	state   S

	process Process
	timeout time.Duration
	limits  []rlimit.RLimit
	filter  seccomp.Filter
	prog    *syscall.SockFprog
	logger  *slog.Logger
	metrics *Metrics
}

var _ runner.Runner = (*StatefulForkExecutor[struct{}])(nil)

// New 创建执行器，资源限制和过滤器在这里一次性准备好
func New[S any](harness Harness[S], state S, opts Options) (*StatefulForkExecutor[S], error) {
	if harness == nil {
		return nil, afl.Errorf(afl.KindIllegalArgument, "new executor", "harness is nil")
	}
	metrics, err := NewMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}

	e := &StatefulForkExecutor[S]{
		harness: harness,
		state:   state,
		process: opts.Process,
		timeout: opts.Timeout,
		limits:  opts.RLimits.PrepareRLimit(),
		filter:  opts.Seccomp,
		logger:  opts.Logger,
		metrics: metrics,
	}
	if e.process == nil {
		e.process = SysProcess{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	// filter 保存在执行器中，保证 prog 指向的内存一直有效
	e.prog = e.filter.SockFprog()
	return e, nil
}

// State 返回父进程中的状态；子进程对状态的修改不会反映到这里
func (e *StatefulForkExecutor[S]) State() *S {
	return &e.state
}

// RunTarget 以 input 执行一次目标
//
// counter 在 fork 之前递增一次，与结果无关
func (e *StatefulForkExecutor[S]) RunTarget(ctx context.Context, counter runner.ExecutionCounter, input []byte) (result runner.Result, err error) {
	counter.IncExecutions()
	e.metrics.executions.Inc()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		e.metrics.failed()
		return result, err
	}

	sTime := time.Now()
	r, err := e.process.Fork()
	if err != nil {
		e.logger.Error("failed to fork target", "error", err)
		e.metrics.failed()
		return result, afl.Wrap(afl.KindSystem, "fork", err)
	}
	if r.IsChild() {
		e.runChild(input)
		return runner.Result{}, ErrInChild
	}
	fTime := time.Now()
	pid := r.Pid

	// 超时或者调用方取消时杀死子进程
	var (
		killed atomic.Bool
		done   = make(chan struct{})
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			killed.Store(true)
			if err := e.process.Kill(pid, unix.SIGKILL); err != nil {
				e.logger.Debug("failed to kill target", "pid", pid, "error", err)
			}
		case <-done:
		}
	}()

	var rusage unix.Rusage
	wstatus, err := e.process.Wait(pid, &rusage)
	close(done)
	wg.Wait()

	result.Pid = pid
	result.SetUpTime = fTime.Sub(sTime)
	result.RunningTime = time.Since(fTime)
	if err != nil {
		e.logger.Error("failed to wait for target", "pid", pid, "error", err)
		e.metrics.failed()
		return result, afl.Wrap(afl.KindSystem, "wait", err)
	}
	result.Time = time.Duration(rusage.Utime.Nano())
	result.Memory = runner.Size(rusage.Maxrss << 10)

	switch {
	case wstatus.Exited():
		result.ExitKind = runner.ExitOk
		result.ExitStatus = wstatus.ExitStatus()
		if result.ExitStatus == childSetupFailed {
			e.logger.Error("target child failed before running the harness", "pid", pid)
			e.metrics.failed()
			return result, ErrChildSetup
		}

	case wstatus.Signaled():
		sig := wstatus.Signal()
		result.ExitStatus = int(sig)
		switch {
		case sig == unix.SIGKILL && killed.Load(), sig == unix.SIGXCPU:
			result.ExitKind = runner.ExitTimeout
		default:
			result.ExitKind = runner.ExitCrash
		}

	default:
		result.ExitKind = runner.ExitOk
	}
	e.metrics.observe(result.ExitKind)
	e.logger.Debug("target executed", "pid", pid, "result", result.String())

	if killed.Load() && errors.Is(ctx.Err(), context.Canceled) {
		return result, ctx.Err()
	}
	return result, nil
}

// runChild 在子进程中运行，生产实现不会返回
func (e *StatefulForkExecutor[S]) runChild(input []byte) {
	p := e.process
	if err := p.Harden(e.limits, e.prog); err != nil {
		p.Exit(childSetupFailed)
		return
	}
	if e.runHarness(input) == runner.ExitCrash {
		p.Raise(unix.SIGABRT)
	}
	p.Exit(0)
}

// runHarness 把 harness 中的 panic 视为崩溃
func (e *StatefulForkExecutor[S]) runHarness(input []byte) (kind runner.ExitKind) {
	defer func() {
		if r := recover(); r != nil {
			kind = runner.ExitCrash
		}
	}()
	return e.harness(&e.state, input)
}
