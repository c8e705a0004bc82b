// Package runner 定义单次执行的结果类型和执行器接口
package runner

import (
	"context"
)

// ExecutionCounter 统计执行次数，执行器在 fork 之前调用一次
type ExecutionCounter interface {
	IncExecutions()
}

// Runner 接口定义了以一个输入执行一次目标的方法
type Runner interface {
	RunTarget(ctx context.Context, counter ExecutionCounter, input []byte) (Result, error)
}

// Counter 是最简单的 ExecutionCounter
type Counter struct {
	Executions uint64
}

// IncExecutions 实现 ExecutionCounter
func (c *Counter) IncExecutions() {
	c.Executions++
}
