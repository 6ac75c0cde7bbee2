package dumpcli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/perfservice"
	"github.com/carplatform/vhalguard/internal/profiler"
	"github.com/carplatform/vhalguard/internal/statsource"
)

func newPeriodicService(t *testing.T) *perfservice.Service {
	t.Helper()
	disp := dispatch.New(32)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go disp.Run(ctx)

	cfg := perfservice.Config{
		BoottimeInterval:        20 * time.Millisecond,
		PeriodicInterval:        time.Hour,
		PeriodicMonitorInterval: time.Hour,
		CacheDuration:           time.Hour,
		MaxUserSwitchEvents:     3,
	}
	procStat := &statsource.FakeProcStatSource{Stats: make([]statsource.ProcStat, 10)}
	disk := &statsource.FakeDiskStatSource{Stats: make([]statsource.DiskStat, 10)}
	svc := perfservice.New(cfg, disp, procStat, nil, nil, disk, profiler.New(profiler.DefaultConfig()), nil, func() int64 { return time.Now().UnixMilli() }, nil)

	svc.Start(ctx)
	require.Eventually(t, func() bool { return svc.State() == perfservice.StateBootTime }, time.Second, time.Millisecond)
	svc.OnBootFinished(ctx)
	require.Eventually(t, func() bool { return svc.State() == perfservice.StatePeriodic }, time.Second, time.Millisecond)
	return svc
}

func TestStartPerfThenStopPerfSucceeds(t *testing.T) {
	svc := newPeriodicService(t)
	var out bytes.Buffer

	code := Run(svc, &out, zap.NewNop(), []string{"start-perf", "--interval", "1", "--max_duration", "5"})
	require.Equal(t, ExitSuccess, code)
	require.Contains(t, out.String(), "started")

	require.Eventually(t, func() bool { return svc.State() == perfservice.StateCustom }, time.Second, time.Millisecond)

	out.Reset()
	code = Run(svc, &out, zap.NewNop(), []string{"stop-perf"})
	require.Equal(t, ExitSuccess, code)
	require.NotEmpty(t, out.String())

	require.Eventually(t, func() bool { return svc.State() == perfservice.StatePeriodic }, time.Second, time.Millisecond)
}

func TestStopPerfWithNoRunningCollectionIsBadValue(t *testing.T) {
	svc := newPeriodicService(t)
	var out bytes.Buffer

	code := Run(svc, &out, zap.NewNop(), []string{"stop-perf"})
	require.Equal(t, ExitBadValue, code)
	require.Contains(t, out.String(), "rejected")
}

func TestStartPerfRejectsSubSecondInterval(t *testing.T) {
	svc := newPeriodicService(t)
	var out bytes.Buffer

	code := Run(svc, &out, zap.NewNop(), []string{"start-perf", "--interval", "0"})
	require.Equal(t, ExitBadValue, code)
}

func TestStartPerfFilterPackagesParsed(t *testing.T) {
	svc := newPeriodicService(t)
	var out bytes.Buffer

	code := Run(svc, &out, zap.NewNop(), []string{"start-perf", "--interval", "1", "--max_duration", "2", "--filter_packages", "com.example.a, com.example.b"})
	require.Equal(t, ExitSuccess, code)

	require.Eventually(t, func() bool { return svc.State() == perfservice.StatePeriodic }, 3*time.Second, 10*time.Millisecond)
}
