package afl

import (
	"fmt"
)

// Kind 标识 forkserver 错误的类别
// Kind 本身实现了 error 接口，因此可以直接用于 errors.Is 判断
type Kind int

// 错误类别，按照发生阶段排列
const (
	KindInvalid            Kind = iota // 0 未初始化
	KindConfiguration                  // 1 环境配置缺失或无法解析
	KindProtocol                       // 2 管道协议错误（短读写、版本不匹配）
	KindSystem                         // 3 系统调用失败（shmat、fork、wait、信号安装）
	KindIllegalArgument                // 4 调用方误用，例如错误码越界
	KindAlreadyInitialized             // 5 只允许调用一次的初始化被重复调用
)

var kindToString = []string{
	"invalid",
	"configuration error",
	"protocol error",
	"system error",
	"illegal argument",
	"already initialized",
}

func (k Kind) String() string {
	if k > KindInvalid && int(k) < len(kindToString) {
		return kindToString[k]
	}
	return kindToString[0]
}

func (k Kind) Error() string {
	return k.String()
}

// Error 是带有类别和操作位置的错误
//   - Kind: 错误类别
//   - Op: 出错的操作，例如 "read_word"
//   - Err: 底层错误（可以为空）
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Errorf 构造一个没有底层错误的 *Error
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap 用给定类别包装底层错误
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, afl.KindProtocol) 这类判断成立
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}
