package main

import (
	"github.com/zqzqsb/forkserver/runner"
)

// magic 是演示目标要求输入逐字节匹配的前缀，完全匹配时目标崩溃
var magic = []byte("FUZZ!")

// harnessFunc 以输入执行一次目标，覆盖率写入 edges
type harnessFunc func(edges *[]byte, input []byte) runner.ExitKind

// runHarness 执行一次 harness，panic 视为崩溃
func runHarness(harness harnessFunc, edges *[]byte, input []byte) (kind runner.ExitKind) {
	defer func() {
		if r := recover(); r != nil {
			kind = runner.ExitCrash
		}
	}()
	return harness(edges, input)
}

// edgeID 把 (深度, 字节) 映射到覆盖率位图中的位置
func edgeID(depth int, b byte, size int) int {
	h := uint32(depth+1)*0x9E3779B1 ^ uint32(b)*0x85EBCA6B
	return int(h % uint32(size))
}

// demoHarness 是演示用的目标：每匹配 magic 的一个字节就多覆盖一条边
// 位图为空时不记录覆盖率
func demoHarness(edges *[]byte, input []byte) runner.ExitKind {
	m := *edges
	depth := 0
	for depth < len(magic) && depth < len(input) && input[depth] == magic[depth] {
		if len(m) > 0 {
			m[edgeID(depth, input[depth], len(m))]++
		}
		depth++
	}
	if depth == len(magic) {
		return runner.ExitCrash
	}
	return runner.ExitOk
}
