package perfservice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/profiler"
	"github.com/carplatform/vhalguard/internal/statsource"
)

var errBoom = errors.New("stat source boom")

type recordingProcessor struct {
	BaseProcessor
	mu          sync.Mutex
	boottimeN   int
	periodicN   int
	customN     int
	terminated  bool
	lastCustomDump int
}

func (p *recordingProcessor) OnBoottimeCollection(profiler.ResourceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boottimeN++
}

func (p *recordingProcessor) OnPeriodicCollection(profiler.ResourceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.periodicN++
}

func (p *recordingProcessor) OnCustomCollection(profiler.ResourceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customN++
}

func (p *recordingProcessor) OnCustomCollectionDump(maxDuration int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCustomDump = maxDuration
}

func (p *recordingProcessor) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
}

func (p *recordingProcessor) snapshot() (int, int, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.boottimeN, p.periodicN, p.customN, p.terminated
}

func newTestService(t *testing.T, proc *recordingProcessor) (*Service, *dispatch.Dispatcher, context.CancelFunc) {
	t.Helper()
	disp := dispatch.New(32)
	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx)

	cfg := Config{
		BoottimeInterval:        20 * time.Millisecond,
		PeriodicInterval:        20 * time.Millisecond,
		PeriodicMonitorInterval: 20 * time.Millisecond,
		CacheDuration:           time.Hour,
		MaxUserSwitchEvents:     3,
	}
	procStat := &statsource.FakeProcStatSource{Stats: make([]statsource.ProcStat, 100)}
	disk := &statsource.FakeDiskStatSource{Stats: make([]statsource.DiskStat, 100)}

	svc := New(cfg, disp, procStat, nil, nil, disk, profiler.New(profiler.DefaultConfig()), []Processor{proc}, func() int64 { return time.Now().UnixMilli() }, nil)
	return svc, disp, cancel
}

func TestS2BootTimeTransitionsToPeriodic(t *testing.T) {
	proc := &recordingProcessor{}
	svc, _, cancel := newTestService(t, proc)
	defer cancel()

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		return svc.State() == StateBootTime
	}, time.Second, time.Millisecond)

	svc.OnBootFinished(context.Background())
	require.Eventually(t, func() bool {
		return svc.State() == StatePeriodic
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		n, _, _, _ := proc.snapshot()
		return n >= 2
	}, time.Second, time.Millisecond, "boottime collection ran during BOOT_TIME and once more on transition")

	require.Eventually(t, func() bool {
		_, periodicN, _, _ := proc.snapshot()
		return periodicN >= 1
	}, time.Second, time.Millisecond)
}

func TestS4CustomCollectionAutoEndsAtMaxDuration(t *testing.T) {
	proc := &recordingProcessor{}
	svc, _, cancel := newTestService(t, proc)
	defer cancel()

	svc.Start(context.Background())
	svc.OnBootFinished(context.Background())
	require.Eventually(t, func() bool { return svc.State() == StatePeriodic }, time.Second, time.Millisecond)

	err := svc.StartCustomCollection(context.Background(), 10*time.Millisecond, 50*time.Millisecond, nil)
	require.NoError(t, err)
	require.Equal(t, StateCustom, svc.State())

	require.Eventually(t, func() bool {
		_, _, customN, _ := proc.snapshot()
		return customN >= 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return svc.State() == StatePeriodic
	}, 2*time.Second, 5*time.Millisecond, "max duration timer should force END_CUSTOM")

	require.Eventually(t, func() bool {
		_, _, _, _ = proc.snapshot()
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return proc.lastCustomDump == -1
	}, time.Second, time.Millisecond, "caches cleared on forced end")
}

func TestStartCustomCollectionRejectsSubSecondDurations(t *testing.T) {
	proc := &recordingProcessor{}
	svc, _, cancel := newTestService(t, proc)
	defer cancel()

	svc.Start(context.Background())
	svc.OnBootFinished(context.Background())
	require.Eventually(t, func() bool { return svc.State() == StatePeriodic }, time.Second, time.Millisecond)

	err := svc.StartCustomCollection(context.Background(), 500*time.Millisecond, 2*time.Second, nil)
	require.Error(t, err)
}

func TestStartCustomCollectionRejectedOutsidePeriodic(t *testing.T) {
	proc := &recordingProcessor{}
	svc, _, cancel := newTestService(t, proc)
	defer cancel()

	// still in INIT/BOOT_TIME, never transitioned to PERIODIC.
	svc.Start(context.Background())
	err := svc.StartCustomCollection(context.Background(), time.Second, 2*time.Second, nil)
	require.Error(t, err)
}

func TestStopPerfCollectionWritesReportAndClearsCaches(t *testing.T) {
	proc := &recordingProcessor{}
	svc, _, cancel := newTestService(t, proc)
	defer cancel()

	svc.Start(context.Background())
	svc.OnBootFinished(context.Background())
	require.Eventually(t, func() bool { return svc.State() == StatePeriodic }, time.Second, time.Millisecond)

	require.NoError(t, svc.StartCustomCollection(context.Background(), 10*time.Millisecond, 10*time.Second, nil))
	require.Eventually(t, func() bool {
		_, _, customN, _ := proc.snapshot()
		return customN >= 1
	}, time.Second, time.Millisecond)

	report, err := svc.StopPerfCollection(context.Background())
	require.NoError(t, err)
	require.Contains(t, report, "collected")
	require.Equal(t, StatePeriodic, svc.State())
}

func TestFailedStatSourceTerminatesService(t *testing.T) {
	proc := &recordingProcessor{}
	disp := dispatch.New(32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	cfg := Config{
		BoottimeInterval:        10 * time.Millisecond,
		PeriodicInterval:        10 * time.Millisecond,
		PeriodicMonitorInterval: 10 * time.Millisecond,
		CacheDuration:           time.Hour,
		MaxUserSwitchEvents:     3,
	}
	failing := &statsource.FakeProcStatSource{Err: errBoom}
	svc := New(cfg, disp, failing, nil, nil, &statsource.FakeDiskStatSource{}, profiler.New(profiler.DefaultConfig()), []Processor{proc}, func() int64 { return 0 }, nil)

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		return svc.State() == StateTerminated
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, _, _, terminated := proc.snapshot()
		return terminated
	}, time.Second, time.Millisecond)
}
