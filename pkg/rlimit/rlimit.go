// Package rlimit 描述 fork 出的执行子进程需要的资源限制
package rlimit

import (
	"fmt"
	"strings"
	"syscall"
)

// RLimits 是执行子进程的资源限制配置，0 表示不限制
// 字段带有 yaml 标签，可以直接从配置文件加载
type RLimits struct {
	CPU          uint64 `yaml:"cpu"`           // CPU 时间（秒）
	AddressSpace uint64 `yaml:"address_space"` // 地址空间（字节），对应 afl 的 -m
	Stack        uint64 `yaml:"stack"`         // 栈大小（字节）
	FileSize     uint64 `yaml:"file_size"`     // 单个文件大小（字节）
	OpenFile     uint64 `yaml:"open_file"`     // 打开文件数量
	DisableCore  bool   `yaml:"disable_core"`  // 崩溃时不生成 core 文件
}

// RLimit 是一条 prlimit 设置
type RLimit struct {
	Res  int
	Rlim syscall.Rlimit
}

func limit(res int, cur, max uint64) RLimit {
	return RLimit{Res: res, Rlim: syscall.Rlimit{Cur: cur, Max: max}}
}

// PrepareRLimit 把配置转换成按顺序应用的 prlimit 列表
// 必须在 fork 之前调用：子进程中不能分配内存
func (r *RLimits) PrepareRLimit() []RLimit {
	var ret []RLimit
	if r.CPU > 0 {
		// 软限制先触发 SIGXCPU，硬限制多留一秒
		ret = append(ret, limit(syscall.RLIMIT_CPU, r.CPU, r.CPU+1))
	}
	if r.AddressSpace > 0 {
		ret = append(ret, limit(syscall.RLIMIT_AS, r.AddressSpace, r.AddressSpace))
	}
	if r.Stack > 0 {
		ret = append(ret, limit(syscall.RLIMIT_STACK, r.Stack, r.Stack))
	}
	if r.FileSize > 0 {
		ret = append(ret, limit(syscall.RLIMIT_FSIZE, r.FileSize, r.FileSize))
	}
	if r.OpenFile > 0 {
		ret = append(ret, limit(syscall.RLIMIT_NOFILE, r.OpenFile, r.OpenFile))
	}
	if r.DisableCore {
		ret = append(ret, limit(syscall.RLIMIT_CORE, 0, 0))
	}
	return ret
}

func (r RLimit) String() string {
	var t string
	switch r.Res {
	case syscall.RLIMIT_CPU:
		return fmt.Sprintf("CPU[%d s:%d s]", r.Rlim.Cur, r.Rlim.Max)
	case syscall.RLIMIT_NOFILE:
		return fmt.Sprintf("OpenFile[%d]", r.Rlim.Cur)
	case syscall.RLIMIT_AS:
		t = "AddressSpace"
	case syscall.RLIMIT_STACK:
		t = "Stack"
	case syscall.RLIMIT_FSIZE:
		t = "File"
	case syscall.RLIMIT_CORE:
		t = "Core"
	default:
		t = fmt.Sprintf("Resource(%d)", r.Res)
	}
	return fmt.Sprintf("%s[%d]", t, r.Rlim.Cur)
}

func (r *RLimits) String() string {
	var s []string
	if r.CPU > 0 {
		s = append(s, fmt.Sprintf("CPU=%d", r.CPU))
	}
	if r.AddressSpace > 0 {
		s = append(s, fmt.Sprintf("AddressSpace=%d", r.AddressSpace))
	}
	if r.Stack > 0 {
		s = append(s, fmt.Sprintf("Stack=%d", r.Stack))
	}
	if r.FileSize > 0 {
		s = append(s, fmt.Sprintf("FileSize=%d", r.FileSize))
	}
	if r.OpenFile > 0 {
		s = append(s, fmt.Sprintf("OpenFile=%d", r.OpenFile))
	}
	if r.DisableCore {
		s = append(s, "DisableCore")
	}
	return fmt.Sprintf("RLimits{%s}", strings.Join(s, ", "))
}
