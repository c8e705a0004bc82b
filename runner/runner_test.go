package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeSet(t *testing.T) {
	tests := []struct {
		in      string
		want    Size
		wantErr bool
	}{
		{in: "65536", want: 65536},
		{in: "64k", want: 64 << 10},
		{in: "64KB", want: 64 << 10},
		{in: "8MiB", want: 8 << 20},
		{in: "1g", want: 1 << 30},
		{in: "12b", want: 12},
		{in: "", wantErr: true},
		{in: "b", wantErr: true},
		{in: "KiB", wantErr: true},
		{in: "-1k", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var s Size
			err := s.Set(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestSizeString(t *testing.T) {
	assert.Equal(t, "512 B", Size(512).String())
	assert.Equal(t, "64.0 KiB", Size(64<<10).String())
	assert.Equal(t, "1.5 MiB", Size(3<<19).String())
	assert.Equal(t, "2.0 GiB", Size(2<<30).String())
	assert.Equal(t, "size", new(Size).Type())
	assert.Equal(t, uint64(4), Size(4<<20).MiB())
}

func TestSizeUnmarshalText(t *testing.T) {
	var s Size
	require.NoError(t, s.UnmarshalText([]byte("2k")))
	assert.Equal(t, Size(2048), s)
	assert.Equal(t, uint64(2), s.KiB())
}

func TestExitKindString(t *testing.T) {
	assert.Equal(t, "ok", ExitOk.String())
	assert.Equal(t, "crash", ExitCrash.String())
	assert.Equal(t, "timeout", ExitTimeout.String())
	assert.Equal(t, "invalid", ExitKind(42).String())
}

func TestResultString(t *testing.T) {
	r := Result{ExitKind: ExitCrash, ExitStatus: 6, Time: time.Millisecond, Memory: 1 << 20}
	assert.Contains(t, r.String(), "crash(signal 6)")
	assert.Contains(t, Result{ExitKind: ExitTimeout, ExitStatus: 9}.String(), "timeout(9)")
}

func TestCounter(t *testing.T) {
	var c Counter
	var ec ExecutionCounter = &c
	ec.IncExecutions()
	ec.IncExecutions()
	assert.Equal(t, uint64(2), c.Executions)
}
