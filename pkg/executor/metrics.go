package executor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zqzqsb/forkserver/runner"
)

// Metrics 是执行器的 prometheus 指标
type Metrics struct {
	executions prometheus.Counter
	outcomes   *prometheus.CounterVec
}

// NewMetrics 创建指标并注册到 reg，reg 为 nil 时只创建不注册
// 同一个 reg 上重复创建会复用已经注册的指标
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		executions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forkserver",
			Name:      "executions_total",
			Help:      "Number of target executions started by the fork executor.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forkserver",
			Name:      "outcomes_total",
			Help:      "Number of target executions by outcome.",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}

	if err := reg.Register(m.executions); err != nil {
		existing, err := reuse(err)
		if err != nil {
			return nil, err
		}
		m.executions = existing.(prometheus.Counter)
	}
	if err := reg.Register(m.outcomes); err != nil {
		existing, err := reuse(err)
		if err != nil {
			return nil, err
		}
		m.outcomes = existing.(*prometheus.CounterVec)
	}
	return m, nil
}

func reuse(err error) (prometheus.Collector, error) {
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector, nil
	}
	return nil, err
}

// outcomeError 是没有得到执行结果的执行的 kind 标签
const outcomeError = "error"

func (m *Metrics) observe(kind runner.ExitKind) {
	m.outcomes.WithLabelValues(kind.String()).Inc()
}

// failed 记录一次没有分类结果的执行，保证各 kind 之和等于 executions_total
func (m *Metrics) failed() {
	m.outcomes.WithLabelValues(outcomeError).Inc()
}
