// Package coverage 负责把 supervisor 提供的共享内存段映射到当前进程
//
// 覆盖率位图和输入缓冲区都是进程级状态：在启动时各映射一次，
// 之后在整个进程生命周期内只读取；fork 出来的子进程继承同一份映射，
// 不会重新执行初始化
package coverage

import (
	"encoding/binary"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkserver/pkg/afl"
	"github.com/zqzqsb/forkserver/pkg/memfd"
)

// inputHeaderSize 是输入共享内存中长度字段的字节数
const inputHeaderSize = 4

// Reporter 用于在映射失败时通知 supervisor，afl.Channel 实现了该接口
type Reporter interface {
	ReportError(code int) error
}

// 进程级的映射状态
// 每个 guard 只在对应的 Map* 函数中被置位一次
var (
	edgesGuard atomic.Bool
	inputGuard atomic.Bool

	edges    []byte // 覆盖率位图
	inputLen []byte // 输入长度字段（4 字节）
	input    []byte // 输入数据区

	shmFuzzing atomic.Bool
	mapSize    atomic.Int64
)

// MapSharedMemory 映射覆盖率位图
// 环境变量缺失或无法解析返回 KindConfiguration，shmat 失败返回 KindSystem
// 任何失败都会先尝试向 supervisor 报告，避免它一直等待握手
func MapSharedMemory(rep Reporter) error {
	if !edgesGuard.CompareAndSwap(false, true) {
		return afl.Errorf(afl.KindAlreadyInitialized, "map_shared_memory", "shared memory has been mapped before")
	}
	seg, err := attachFromEnv(rep, afl.ShmEnvVar)
	if err != nil {
		return err
	}
	edges = seg
	return nil
}

// MapLocalMemory 在没有 supervisor 时建立本地的覆盖率位图
// 位图与 fork 出的子进程共享，和 MapSharedMemory 共用一次性保护
func MapLocalMemory(size int) error {
	if !edgesGuard.CompareAndSwap(false, true) {
		return afl.Errorf(afl.KindAlreadyInitialized, "map_local_memory", "shared memory has been mapped before")
	}
	m, err := memfd.Map("afl-edges", size)
	if err != nil {
		return afl.Wrap(afl.KindSystem, "map_local_memory", err)
	}
	edges = m
	return nil
}

// MapInputSharedMemory 映射输入共享内存
// 前 4 字节是输入长度，其余部分是输入数据
func MapInputSharedMemory(rep Reporter) error {
	if !inputGuard.CompareAndSwap(false, true) {
		return afl.Errorf(afl.KindAlreadyInitialized, "map_input_shared_memory", "input shared memory has been mapped before")
	}
	seg, err := attachFromEnv(rep, afl.ShmFuzzEnvVar)
	if err != nil {
		return err
	}
	if len(seg) < inputHeaderSize {
		notify(rep, afl.ErrShmat)
		return afl.Errorf(afl.KindSystem, "map_input_shared_memory", "segment of %d bytes has no room for the length header", len(seg))
	}
	inputLen = seg[:inputHeaderSize:inputHeaderSize]
	input = seg[inputHeaderSize:]
	shmFuzzing.Store(true)
	return nil
}

func attachFromEnv(rep Reporter, name string) ([]byte, error) {
	op := "attach " + name
	idStr, ok := os.LookupEnv(name)
	if !ok {
		notify(rep, afl.ErrShmOpen)
		return nil, afl.Errorf(afl.KindConfiguration, op, "variable %s is not set", name)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil || id < 0 {
		notify(rep, afl.ErrShmOpen)
		return nil, afl.Errorf(afl.KindConfiguration, op, "invalid %s value %q", name, idStr)
	}
	seg, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		notify(rep, afl.ErrShmat)
		return nil, afl.Wrap(afl.KindSystem, op, err)
	}
	if len(seg) == 0 {
		notify(rep, afl.ErrShmat)
		return nil, afl.Errorf(afl.KindSystem, op, "segment %d is empty", id)
	}
	return seg, nil
}

// notify 尽力向 supervisor 报告错误，失败只记录日志
func notify(rep Reporter, code int) {
	if rep == nil {
		return
	}
	if err := rep.ReportError(code); err != nil {
		slog.Debug("could not report shared memory error to supervisor", "code", code, "error", err)
	}
}

// Edges 返回覆盖率位图，尚未映射时返回 nil
func Edges() []byte {
	return edges
}

// Hits 返回位图中被覆盖的位置数
func Hits() int {
	n := 0
	for _, b := range edges {
		if b != 0 {
			n++
		}
	}
	return n
}

// Reset 清空位图
func Reset() {
	clear(edges)
}

// SharedMemFuzzing 报告输入共享内存是否已映射
func SharedMemFuzzing() bool {
	return shmFuzzing.Load()
}

// Input 返回当前输入，长度来自长度字段并截断到数据区大小
func Input() []byte {
	if !shmFuzzing.Load() {
		return nil
	}
	n := int(binary.NativeEndian.Uint32(inputLen))
	if n > len(input) {
		n = len(input)
	}
	return input[:n]
}

// SetMapSize 设置握手时报告的位图大小
func SetMapSize(n int) {
	mapSize.Store(int64(n))
}

// MapSize 返回握手时报告的位图大小
// 优先级：SetMapSize > AFL_MAP_SIZE > 已映射位图的大小 > afl.DefaultMapSize
func MapSize() int {
	if n := mapSize.Load(); n > 0 {
		return int(n)
	}
	if s, ok := os.LookupEnv(afl.MapSizeEnvVar); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	if len(edges) > 0 {
		return len(edges)
	}
	return afl.DefaultMapSize
}
