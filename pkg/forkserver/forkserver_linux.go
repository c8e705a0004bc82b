// Package forkserver 实现 AFL++ forkserver 的目标端
//
// Start 完成一次握手后进入循环：每一轮读取 supervisor 的 was_killed 标志，
// 通过 Parent 得到一个子进程，把 pid 和 wait 状态转发给 supervisor。
// 子进程分支关闭管道后返回 Child，由调用方执行 harness
package forkserver

import (
	"log/slog"
	"sync/atomic"

	"github.com/zqzqsb/forkserver/pkg/afl"
	"github.com/zqzqsb/forkserver/pkg/coverage"
)

// State 是 Start 成功返回时的状态
type State int

// Start 的返回状态
const (
	// NoAfl 表示没有 supervisor 响应握手，调用方应直接执行
	NoAfl State = iota + 1
	// Child 表示当前进程是新 fork 出的子进程，应执行 harness 后退出或停止
	Child
)

func (s State) String() string {
	switch s {
	case NoAfl:
		return "NoAfl"
	case Child:
		return "Child"
	default:
		return "Invalid"
	}
}

// startGuard 保证 Start 在一个进程中只被调用一次
var startGuard atomic.Bool

// Forkserver 是握手和循环的配置
type Forkserver struct {
	// Channel 为 nil 时使用 198/199
	Channel *afl.Channel

	// MapSize 为 0 时使用 coverage.MapSize()
	MapSize int

	// SharedMemFuzzing 强制声明通过共享内存传递输入；
	// 已经调用过 coverage.MapInputSharedMemory 时自动开启
	SharedMemFuzzing bool

	// Tokens 是自动字典（afl.EncodeTokens 的格式），非空时在握手中发送
	Tokens []byte

	// Logger 为 nil 时使用 slog.Default()
	Logger *slog.Logger
}

// Start 使用默认配置启动 forkserver
func Start(parent Parent) (State, error) {
	return (&Forkserver{}).Start(parent)
}

// Start 与 supervisor 握手并进入 forkserver 循环
//
// 在根进程中，一切正常时循环不会返回；只有出错、收到 SIGTERM 后退出，
// 或者在 fork 出的子进程中才会返回
func (f *Forkserver) Start(parent Parent) (State, error) {
	if !startGuard.CompareAndSwap(false, true) {
		return 0, afl.Errorf(afl.KindAlreadyInitialized, "start_forkserver", "forkserver has been started before")
	}
	return f.start(parent)
}

func (f *Forkserver) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

func (f *Forkserver) start(parent Parent) (State, error) {
	ch := f.Channel
	if ch == nil {
		ch = afl.DefaultChannel()
	}
	log := f.logger()

	ok, err := f.handshake(ch)
	if err != nil {
		log.Error("forkserver handshake failed", "error", err)
		return 0, err
	}
	if !ok {
		log.Debug("no supervisor listening, running standalone")
		return NoAfl, nil
	}

	if err := parent.PreFuzzing(); err != nil {
		return 0, err
	}

	for {
		// 读取失败说明 supervisor 已经退出
		wasKilled, err := ch.ReadWord()
		if err != nil {
			log.Error("failed to read from supervisor", "error", err)
			return 0, err
		}

		r, err := parent.SpawnChild(wasKilled != 0)
		if err != nil {
			return 0, err
		}
		if r.IsChild() {
			// 子进程不再需要与 supervisor 通信
			ch.Close()
			return Child, nil
		}

		if err := ch.WriteWord(uint32(r.Pid)); err != nil {
			log.Error("failed to write child pid to supervisor", "pid", r.Pid, "error", err)
			return 0, err
		}

		status, err := parent.HandleChildRequests()
		if err != nil {
			return 0, err
		}

		if err := ch.WriteWord(status); err != nil {
			log.Error("failed to write child status to supervisor", "status", status, "error", err)
			return 0, err
		}
	}
}

// handshake 完成版本和选项协商
// 第一个字写失败说明没有 supervisor，返回 false 而不是错误
func (f *Forkserver) handshake(ch *afl.Channel) (bool, error) {
	if err := ch.WriteWord(afl.Version); err != nil {
		return false, nil
	}

	reply, err := ch.ReadWord()
	if err != nil {
		return false, err
	}
	if reply != afl.Version^0xFFFFFFFF {
		return false, afl.Errorf(afl.KindProtocol, "handshake", "wrong forkserver message 0x%08x from supervisor", reply)
	}

	options := afl.OptMapSize
	if f.SharedMemFuzzing || coverage.SharedMemFuzzing() {
		options |= afl.OptSharedMemFuzz
	}
	if len(f.Tokens) > 0 {
		options |= afl.OptAutoDict
	}
	if err := ch.WriteWord(options); err != nil {
		return false, err
	}

	// 选项参数按选项位从低到高发送，map size 总是存在
	mapSize := f.MapSize
	if mapSize <= 0 {
		mapSize = coverage.MapSize()
	}
	if err := ch.WriteWord(uint32(mapSize)); err != nil {
		return false, err
	}

	if len(f.Tokens) > 0 {
		if err := ch.WriteWord(uint32(len(f.Tokens))); err != nil {
			return false, afl.Wrap(afl.KindProtocol, "send autotokens length", err)
		}
		if err := ch.WriteBlob(f.Tokens); err != nil {
			return false, afl.Wrap(afl.KindProtocol, "send autotokens", err)
		}
	}

	// 最后再发送一次版本号，表示已经就绪
	if err := ch.WriteWord(afl.Version); err != nil {
		return false, err
	}
	f.logger().Debug("forkserver handshake done", "options", options, "map_size", mapSize)
	return true, nil
}
