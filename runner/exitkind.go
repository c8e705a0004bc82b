package runner

// ExitKind 是一次执行的分类结果
type ExitKind int

// 执行结果
const (
	ExitInvalid ExitKind = iota // 0 未初始化
	ExitOk                      // 正常结束
	ExitCrash                   // 被信号终止
	ExitTimeout                 // 超时后被执行器杀死
)

var exitKindString = []string{
	"invalid",
	"ok",
	"crash",
	"timeout",
}

func (k ExitKind) String() string {
	i := int(k)
	if i >= 0 && i < len(exitKindString) {
		return exitKindString[i]
	}
	return exitKindString[0]
}
