package executor

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkserver/pkg/afl"
	"github.com/zqzqsb/forkserver/pkg/forkexec"
	"github.com/zqzqsb/forkserver/runner"
)

func okHarness(*int, []byte) runner.ExitKind {
	return runner.ExitOk
}

func newFake(t *testing.T, p *fakeProcess, h Harness[int], reg prometheus.Registerer) *StatefulForkExecutor[int] {
	t.Helper()
	e, err := New(h, 0, Options{Process: p, Registerer: reg})
	require.NoError(t, err)
	return e
}

func TestNewRejectsNilHarness(t *testing.T) {
	_, err := New[int](nil, 0, Options{})
	assert.True(t, errors.Is(err, afl.KindIllegalArgument), "got %v", err)
}

func TestRunTargetClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     unix.WaitStatus
		kind       runner.ExitKind
		exitStatus int
	}{
		{name: "exit zero", status: unix.WaitStatus(0), kind: runner.ExitOk},
		{name: "exit nonzero", status: unix.WaitStatus(3 << 8), kind: runner.ExitOk, exitStatus: 3},
		{name: "abort", status: unix.WaitStatus(syscall.SIGABRT), kind: runner.ExitCrash, exitStatus: int(syscall.SIGABRT)},
		{name: "segv", status: unix.WaitStatus(syscall.SIGSEGV), kind: runner.ExitCrash, exitStatus: int(syscall.SIGSEGV)},
		{name: "cpu limit", status: unix.WaitStatus(syscall.SIGXCPU), kind: runner.ExitTimeout, exitStatus: int(syscall.SIGXCPU)},
		// 不是执行器发出的 SIGKILL 视为崩溃
		{name: "foreign kill", status: unix.WaitStatus(syscall.SIGKILL), kind: runner.ExitCrash, exitStatus: int(syscall.SIGKILL)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProcess{fork: forkexec.Parent(12), status: tt.status}
			e := newFake(t, p, okHarness, nil)

			var c runner.Counter
			r, err := e.RunTarget(context.Background(), &c, []byte("x"))
			require.NoError(t, err)
			assert.Equal(t, uint64(1), c.Executions)
			assert.Equal(t, tt.kind, r.ExitKind)
			assert.Equal(t, tt.exitStatus, r.ExitStatus)
			assert.Equal(t, 12, r.Pid)
			assert.Equal(t, 1500*time.Microsecond, r.Time)
			assert.Equal(t, runner.Size(2048<<10), r.Memory)
			assert.Empty(t, p.kills)
		})
	}
}

func TestRunTargetErrors(t *testing.T) {
	t.Run("fork", func(t *testing.T) {
		p := &fakeProcess{forkErr: forkexec.ChildError{Err: syscall.EAGAIN, Location: forkexec.LocFork}}
		e := newFake(t, p, okHarness, nil)
		var c runner.Counter
		_, err := e.RunTarget(context.Background(), &c, nil)
		assert.True(t, errors.Is(err, afl.KindSystem), "got %v", err)
		assert.ErrorIs(t, err, syscall.EAGAIN)
		assert.Equal(t, uint64(1), c.Executions)
	})

	t.Run("wait", func(t *testing.T) {
		p := &fakeProcess{fork: forkexec.Parent(5), waitErr: unix.ECHILD}
		e := newFake(t, p, okHarness, nil)
		var c runner.Counter
		r, err := e.RunTarget(context.Background(), &c, nil)
		assert.True(t, errors.Is(err, afl.KindSystem), "got %v", err)
		assert.Equal(t, 5, r.Pid)
	})

	t.Run("child setup", func(t *testing.T) {
		p := &fakeProcess{fork: forkexec.Parent(5), status: unix.WaitStatus(childSetupFailed << 8)}
		e := newFake(t, p, okHarness, nil)
		var c runner.Counter
		_, err := e.RunTarget(context.Background(), &c, nil)
		assert.ErrorIs(t, err, ErrChildSetup)
	})

	t.Run("canceled before fork", func(t *testing.T) {
		p := &fakeProcess{fork: forkexec.Parent(5)}
		e := newFake(t, p, okHarness, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var c runner.Counter
		_, err := e.RunTarget(ctx, &c, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, uint64(1), c.Executions, "counted regardless of outcome")
		assert.Zero(t, p.forks)
	})
}

func TestRunTargetChildBranch(t *testing.T) {
	tests := []struct {
		name      string
		kind      runner.ExitKind
		panics    bool
		hardenErr error
		raised    []syscall.Signal
		exitCodes []int
		ran       bool
	}{
		{name: "ok", kind: runner.ExitOk, exitCodes: []int{0}, ran: true},
		{name: "crash", kind: runner.ExitCrash, raised: []syscall.Signal{unix.SIGABRT}, exitCodes: []int{0}, ran: true},
		{name: "panic", kind: runner.ExitOk, panics: true, raised: []syscall.Signal{unix.SIGABRT}, exitCodes: []int{0}, ran: true},
		{name: "setup failure", kind: runner.ExitOk, hardenErr: errBoom, exitCodes: []int{childSetupFailed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProcess{fork: forkexec.Child(), hardenErr: tt.hardenErr}
			var got []byte
			h := func(s *int, in []byte) runner.ExitKind {
				*s++
				got = in
				if tt.panics {
					var m map[string]int
					m["x"] = 1
				}
				return tt.kind
			}
			e := newFake(t, p, h, nil)

			var c runner.Counter
			_, err := e.RunTarget(context.Background(), &c, []byte("input"))
			assert.ErrorIs(t, err, ErrInChild)
			assert.Equal(t, 1, p.hardened)
			assert.Equal(t, tt.raised, p.raised)
			assert.Equal(t, tt.exitCodes, p.exitCodes)
			if tt.ran {
				assert.Equal(t, []byte("input"), got)
				assert.Equal(t, 1, *e.State())
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestRunTargetTimeout(t *testing.T) {
	p := newKillWaiter()
	e, err := New[int](okHarness, 0, Options{Process: p, Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	var c runner.Counter
	r, err := e.RunTarget(context.Background(), &c, nil)
	require.NoError(t, err)
	assert.Equal(t, runner.ExitTimeout, r.ExitKind)
	assert.Equal(t, []syscall.Signal{unix.SIGKILL}, p.kills)
}

func TestRunTargetCanceled(t *testing.T) {
	p := newKillWaiter()
	e := newFake(t, p, okHarness, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	var c runner.Counter
	r, err := e.RunTarget(ctx, &c, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, runner.ExitTimeout, r.ExitKind)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := &fakeProcess{fork: forkexec.Parent(1)}
	e := newFake(t, p, okHarness, reg)

	var c runner.Counter
	for i := 0; i < 3; i++ {
		_, err := e.RunTarget(context.Background(), &c, nil)
		require.NoError(t, err)
	}
	p.status = unix.WaitStatus(syscall.SIGSEGV)
	_, err := e.RunTarget(context.Background(), &c, nil)
	require.NoError(t, err)

	assert.Equal(t, float64(4), testutil.ToFloat64(e.metrics.executions))
	assert.Equal(t, float64(3), testutil.ToFloat64(e.metrics.outcomes.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.outcomes.WithLabelValues("crash")))

	// 同一个 registry 上的第二个执行器共用指标
	e2 := newFake(t, &fakeProcess{fork: forkexec.Parent(2)}, okHarness, reg)
	_, err = e2.RunTarget(context.Background(), &c, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), testutil.ToFloat64(e.metrics.executions))
	assert.Equal(t, uint64(5), c.Executions)
}

func TestMetricsCountFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	var c runner.Counter

	setup := newFake(t, &fakeProcess{fork: forkexec.Parent(3), status: unix.WaitStatus(childSetupFailed << 8)}, okHarness, reg)
	_, err := setup.RunTarget(context.Background(), &c, nil)
	require.ErrorIs(t, err, ErrChildSetup)

	fork := newFake(t, &fakeProcess{forkErr: syscall.EAGAIN}, okHarness, reg)
	_, err = fork.RunTarget(context.Background(), &c, nil)
	require.Error(t, err)

	ok := newFake(t, &fakeProcess{fork: forkexec.Parent(4)}, okHarness, reg)
	_, err = ok.RunTarget(context.Background(), &c, nil)
	require.NoError(t, err)

	m := ok.metrics
	assert.Equal(t, float64(3), testutil.ToFloat64(m.executions))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.outcomes.WithLabelValues(outcomeError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outcomes.WithLabelValues("ok")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.outcomes))
}
