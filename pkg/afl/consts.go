// Package afl 实现了 AFL++ forkserver 的管道协议编解码
//
// 所有消息都是 4 字节本机字节序的无符号整数，通过两个约定好的
// 文件描述符传输：ForkserverFD 为读端，ForkserverFD+1 为写端
package afl

// 与 AFL++ 保持一致的协议常量
const (
	// ForkserverFD 是控制管道的读端，写端为 ForkserverFD + 1
	ForkserverFD = 198

	// VersionBase 是版本号的基数（"AFL\x00"）
	VersionBase uint32 = 0x41464c00
	// NewVersionMax 是支持的最高协议版本
	NewVersionMax uint32 = 1
	// Version 是握手时发送的版本字
	Version = VersionBase + NewVersionMax

	// DefaultMapSize 是未指定时的覆盖率位图大小
	DefaultMapSize = 1 << 16
)

// 握手选项位
const (
	OptMapSize       uint32 = 0x00000001 // 随后会发送 map size
	OptSharedMemFuzz uint32 = 0x00000002 // 通过共享内存传递输入
	OptAutoDict      uint32 = 0x00000800 // 随后会发送自动字典
	OptError         uint32 = 0xf800008f // 错误报告位
)

// 错误码，通过 EncodeError 打包到选项字中发送给 supervisor
const (
	ErrMapSize       = 1
	ErrMapAddr       = 2
	ErrShmOpen       = 4
	ErrShmat         = 8
	ErrMmap          = 16
	ErrOldCmplog     = 32
	ErrOldCmplogQemu = 64
)

// 环境变量
const (
	ShmEnvVar     = "__AFL_SHM_ID"      // 覆盖率位图的共享内存 ID
	ShmFuzzEnvVar = "__AFL_SHM_FUZZ_ID" // 输入共享内存的 ID
	MapSizeEnvVar = "AFL_MAP_SIZE"      // 覆盖率位图大小
)

// maxErrorCode 是可以打包进选项字的最大错误码（bits 8-23）
const maxErrorCode = 0xFFFF
