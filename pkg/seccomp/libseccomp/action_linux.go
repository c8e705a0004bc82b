package libseccomp

import (
	libseccomp "github.com/elastic/go-seccomp-bpf"

	"github.com/zqzqsb/forkserver/pkg/seccomp"
)

// ToSeccompAction 将 seccomp.Action 转换为 go-seccomp-bpf 的动作
// 未知动作一律终止进程
func ToSeccompAction(a seccomp.Action) libseccomp.Action {
	switch a.Action() {
	case seccomp.ActionAllow:
		return libseccomp.ActionAllow
	case seccomp.ActionErrno:
		return libseccomp.ActionErrno
	case seccomp.ActionTrace:
		return libseccomp.ActionTrace
	default:
		return libseccomp.ActionKillProcess
	}
}
