// forkserver-target 是一个使用 AFL++ forkserver 协议的演示目标。
//
// 在 afl-fuzz 下运行时，它映射覆盖率共享内存，与 supervisor 握手，
// 然后每一轮由 forkserver fork 出的子进程读取输入并执行 harness。
// 设置 --persistent 后一个子进程会连续执行多轮，每轮之间停止自己。
//
// 没有 supervisor 时，它依次执行命令行给出的输入文件（没有文件时读取标准输入），
// 加上 --executor 则每个输入都在 fork 出的子进程中执行，并输出分类结果。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/zqzqsb/forkserver/pkg/afl"
	"github.com/zqzqsb/forkserver/pkg/config"
	"github.com/zqzqsb/forkserver/pkg/coverage"
	"github.com/zqzqsb/forkserver/pkg/executor"
	"github.com/zqzqsb/forkserver/pkg/forkexec"
	"github.com/zqzqsb/forkserver/pkg/forkserver"
	"github.com/zqzqsb/forkserver/runner"
)

// exitCrash 是没有 supervisor 时直接执行发现崩溃的退出码
const exitCrash = 2

type options struct {
	configPath  string
	mapSize     runner.Size
	persistent  int
	timeout     time.Duration
	logLevel    string
	metricsAddr string
	useExecutor bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("forkserver-target", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	flagSet.Var(&opts.mapSize, "map-size", "coverage map size reported to the supervisor (e.g. 64k)")
	flagSet.IntVar(&opts.persistent, "persistent", 0, "iterations per child in persistent mode")
	flagSet.DurationVar(&opts.timeout, "timeout", 0, "per-input timeout when running with --executor")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address with --executor")
	flagSet.BoolVar(&opts.useExecutor, "executor", false, "without a supervisor, run each input in a forked child")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(flagSet, &opts)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ch := afl.DefaultChannel()
	if err := mapSharedMemory(ch); err != nil {
		return err
	}
	if cfg.MapSize > 0 {
		coverage.SetMapSize(int(cfg.MapSize))
	}
	tokens, err := cfg.EncodedTokens()
	if err != nil {
		return err
	}

	fs := &forkserver.Forkserver{Channel: ch, Tokens: tokens, Logger: logger}
	parent := forkserver.NewParent()
	parent.Logger = logger

	state, err := fs.Start(parent)
	if err != nil {
		return err
	}

	switch state {
	case forkserver.Child:
		runChild(cfg, flagSet.Args(), demoHarness)
		return nil
	default:
		logger.Info("no supervisor detected, running inputs directly", "inputs", len(flagSet.Args()))
		if opts.useExecutor {
			return runExecutor(cfg, opts.metricsAddr, flagSet.Args(), logger)
		}
		return runDirect(flagSet.Args())
	}
}

// loadConfig 按 配置文件、环境变量、命令行 的顺序合并配置
func loadConfig(flagSet *pflag.FlagSet, opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg = config.Default()
		err = cfg.ApplyEnv()
	}
	if err != nil {
		return nil, err
	}

	if flagSet.Changed("map-size") {
		cfg.MapSize = opts.mapSize
	}
	if flagSet.Changed("persistent") {
		cfg.Persistent = opts.persistent
	}
	if flagSet.Changed("timeout") {
		cfg.Timeout = opts.timeout
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if opts.metricsAddr == "" {
		opts.metricsAddr = cfg.MetricsAddr
	}
	return cfg, cfg.Validate()
}

// mapSharedMemory 只在 supervisor 提供了共享内存时映射
func mapSharedMemory(rep coverage.Reporter) error {
	if _, ok := os.LookupEnv(afl.ShmEnvVar); ok {
		if err := coverage.MapSharedMemory(rep); err != nil {
			return err
		}
	}
	if _, ok := os.LookupEnv(afl.ShmFuzzEnvVar); ok {
		if err := coverage.MapInputSharedMemory(rep); err != nil {
			return err
		}
	}
	return nil
}

// runChild 在 forkserver 的子进程中执行一轮或者多轮（持久模式），不会返回
func runChild(cfg *config.Config, args []string, harness harnessFunc) {
	// 运行时的 fatal error 以 SIGABRT 结束，supervisor 才能把它记为崩溃
	debug.SetTraceback("crash")
	iterations := cfg.Persistent
	if iterations < 1 {
		iterations = 1
	}
	edges := coverage.Edges()
	for i := 0; i < iterations; i++ {
		input, err := readInput(args)
		if err != nil {
			forkexec.Exit(1)
		}
		if runHarness(harness, &edges, input) == runner.ExitCrash {
			forkexec.RaiseSelf(syscall.SIGABRT)
		}
		if i+1 < iterations {
			if err := forkserver.Pause(); err != nil {
				forkexec.Exit(1)
			}
		}
	}
	forkexec.Exit(0)
}

// readInput 依次尝试共享内存、输入文件和标准输入
func readInput(args []string) ([]byte, error) {
	if coverage.SharedMemFuzzing() {
		return coverage.Input(), nil
	}
	if len(args) > 0 {
		return os.ReadFile(args[0])
	}
	// afl-fuzz 每轮重写标准输入对应的文件
	if _, err := os.Stdin.Seek(0, io.SeekStart); err != nil && !errors.Is(err, syscall.ESPIPE) {
		return nil, err
	}
	return io.ReadAll(os.Stdin)
}

func inputs(args []string) ([][]byte, error) {
	if len(args) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	}
	ret := make([][]byte, 0, len(args))
	for _, a := range args {
		b, err := os.ReadFile(a)
		if err != nil {
			return nil, err
		}
		ret = append(ret, b)
	}
	return ret, nil
}

// runDirect 在当前进程中执行全部输入
func runDirect(args []string) error {
	in, err := inputs(args)
	if err != nil {
		return err
	}
	edges := coverage.Edges()
	for i, b := range in {
		if runHarness(demoHarness, &edges, b) == runner.ExitCrash {
			fmt.Fprintf(os.Stderr, "input %d crashes the target\n", i)
			os.Exit(exitCrash)
		}
	}
	return nil
}

// runExecutor 用 StatefulForkExecutor 执行全部输入并输出结果
func runExecutor(cfg *config.Config, metricsAddr string, args []string, logger *slog.Logger) error {
	in, err := inputs(args)
	if err != nil {
		return err
	}
	filter, err := cfg.Filter()
	if err != nil {
		return err
	}

	// 没有 supervisor 提供的位图时使用本地位图
	if coverage.Edges() == nil {
		if err := coverage.MapLocalMemory(coverage.MapSize()); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	e, err := executor.New[[]byte](demoHarness, coverage.Edges(), executor.Options{
		Timeout:    cfg.Timeout,
		RLimits:    cfg.RLimits,
		Seccomp:    filter,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	var counter runner.Counter
	crashes := 0
	for i, b := range in {
		r, err := e.RunTarget(ctx, &counter, b)
		if err != nil {
			return err
		}
		fmt.Printf("%d: %v edges=%d\n", i, r, coverage.Hits())
		coverage.Reset()
		if r.ExitKind == runner.ExitCrash {
			crashes++
		}
	}
	logger.Info("done", "executions", counter.Executions, "crashes", crashes)
	if crashes > 0 {
		os.Exit(exitCrash)
	}
	return nil
}
