package libseccomp

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf/arch"
)

// info 是当前架构的系统调用表
var info, errInfo = arch.GetInfo("")

// ToSyscallName 将系统调用号转换为对应的系统调用名称
func ToSyscallName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("syscall no %d does not exist", sysno)
	}
	return n, nil
}

// checkNames 在编译之前检查名称，给出比汇编器更明确的错误
func checkNames(names []string) error {
	if errInfo != nil {
		return errInfo
	}
	for _, n := range names {
		if _, ok := info.SyscallNames[n]; !ok {
			return fmt.Errorf("seccomp: unknown syscall %q on %s", n, info.Name)
		}
	}
	return nil
}
