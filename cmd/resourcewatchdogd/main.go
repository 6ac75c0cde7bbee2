// Command resourcewatchdogd runs the Resource Watchdog daemon: client
// health checks on three timeout tracks, VHAL heartbeat supervision, and
// the performance-profiling collection pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/carplatform/vhalguard/internal/clients"
	"github.com/carplatform/vhalguard/internal/config"
	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/healthcheck"
	"github.com/carplatform/vhalguard/internal/ipc"
	"github.com/carplatform/vhalguard/internal/observability"
	"github.com/carplatform/vhalguard/internal/operator"
	"github.com/carplatform/vhalguard/internal/perfservice"
	"github.com/carplatform/vhalguard/internal/profiler"
	"github.com/carplatform/vhalguard/internal/statsource"
	"github.com/carplatform/vhalguard/internal/vhal"
	"github.com/carplatform/vhalguard/internal/vhalapi"
	"github.com/carplatform/vhalguard/internal/vhalsupervisor"
	"github.com/carplatform/vhalguard/internal/watchdogapi"
)

func main() {
	configPath := pflag.String("config", "/etc/vhalguard/resourcewatchdogd.yaml", "path to config file")
	version := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *version {
		fmt.Printf("resourcewatchdogd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadWatchdogConfig(*configPath)
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) {
			cfg = ptr(config.DefaultWatchdogConfig())
			fmt.Fprintf(os.Stderr, "warning: no config file at %s, starting with defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: config %s is invalid: %v\n", *configPath, err)
			os.Exit(1)
		}
	}

	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("resourcewatchdogd starting", zap.String("version", config.Version), zap.String("node_id", cfg.NodeID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("vhalguard")
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	tracer, err := observability.NewTracer("resourcewatchdogd", cfg.Observability.TracingEnabled)
	if err != nil {
		log.Warn("tracer init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tracer.Shutdown(context.Background()) //nolint:errcheck
	}

	disp := dispatch.New(cfg.DispatcherQueueDepth)
	go disp.Run(ctx)

	dial := func(ctx context.Context) (vhalapi.VhalClient, func() error, error) {
		conn, err := grpc.DialContext(ctx, cfg.VhalAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("dial vhal at %s: %w", cfg.VhalAddr, err)
		}
		return vhalapi.NewVhalClient(conn), conn.Close, nil
	}
	bridge := vhal.New(dial, log)

	reg := clients.New()
	scheduler := healthcheck.New(reg, disp, bridge, log)
	if cfg.HealthCheck.Override != 0 {
		if err := scheduler.SetOverride(cfg.HealthCheck.Override); err != nil {
			log.Warn("health check override rejected", zap.Error(err))
		}
	}

	monitor := &bridgeMonitor{bridge: bridge}
	const builtinMonitorHandle healthcheck.MonitorHandle = "resourcewatchdogd.builtin"
	if err := scheduler.RegisterMonitor(builtinMonitorHandle, monitor); err != nil {
		log.Error("built-in monitor registration failed", zap.Error(err))
	}

	registry := &procNameRegistry{name: "vhal"}
	supervisor := vhalsupervisor.New(registry, monitor, disp, cfg.VhalHeartbeatWindow, nowMs, log)

	go func() {
		if err := bridge.ConnectOnce(ctx, func(b *vhal.Bridge, _ bool) {
			b.SubscribeHeartbeat(ctx, func(v int64) { supervisor.OnHeartbeat(ctx, v) })
		}); err != nil {
			log.Error("vhal connect failed after max attempts", zap.Error(err))
		}
	}()

	// spec.md §4.5: reportWatchdogAlive runs every 3s once VHAL is
	// connected, writing system uptime to WATCHDOG_ALIVE.
	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if bridge.Connected() {
					var si syscall.Sysinfo_t
					if err := syscall.Sysinfo(&si); err == nil {
						bridge.ReportWatchdogAlive(ctx, int64(si.Uptime)*1000)
					}
				}
			}
		}
	}()

	procStat := &statsource.ProcFSProcStatSource{}
	uidIo := &statsource.ProcFSUidIoStatSource{}
	procPid := &statsource.ProcFSProcPidStatSource{}
	diskStat := &statsource.ProcFSDiskStatSource{}

	profCfg := profiler.Config{TopN: cfg.Perf.TopN, TopNPerSubcategory: cfg.Perf.TopNPerSubcategory, SmapsRollupSupported: true}
	perfCfg := perfservice.Config{
		BoottimeInterval:        cfg.Perf.BoottimeInterval,
		PeriodicInterval:        cfg.Perf.PeriodicInterval,
		PeriodicMonitorInterval: cfg.Perf.PeriodicMonitorInterval,
		CacheDuration:           cfg.Perf.CacheDuration,
		MaxUserSwitchEvents:     cfg.Perf.MaxUserSwitchEvents,
	}
	perfSvc := perfservice.New(perfCfg, disp, procStat, uidIo, procPid, diskStat, profiler.New(profCfg),
		[]perfservice.Processor{perfservice.NewLoggingProcessor(log), perfservice.NewDumpProcessor()}, nowMs, log)
	perfSvc.Start(ctx)

	// No external "boot finished" signal source is available outside the
	// application framework (out of scope per the IPC transport boundary);
	// stand in with a fixed delay before transitioning to PERIODIC.
	time.AfterFunc(10*time.Second, func() { perfSvc.OnBootFinished(ctx) })

	opServer := operator.NewServer(cfg.OperatorSocketPath, perfSvc, log)
	go func() {
		if err := opServer.ListenAndServe(ctx); err != nil {
			log.Error("operator socket server error", zap.Error(err))
		}
	}()

	// spec.md §6: the Watchdog IPC surface (registerClient, registerMonitor,
	// registerCarWatchdogService and their tell*/unregister* counterparts)
	// is served over gRPC on cfg.IPCAddr, separate from the Unix-socket
	// operator surface above.
	watchdogSrv := grpc.NewServer()
	watchdogapi.RegisterWatchdogServer(watchdogSrv, watchdogapi.New(scheduler, log))
	go func() {
		lis, err := net.Listen("tcp", cfg.IPCAddr)
		if err != nil {
			log.Error("watchdog ipc listen failed", zap.String("addr", cfg.IPCAddr), zap.Error(err))
			return
		}
		log.Info("watchdog ipc server listening", zap.String("addr", cfg.IPCAddr))
		if err := watchdogSrv.Serve(lis); err != nil {
			log.Error("watchdog ipc server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		watchdogSrv.GracefulStop()
	}()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config")
			newCfg, err := config.LoadWatchdogConfig(*configPath)
			if err != nil {
				log.Error("config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			if newCfg.HealthCheck.Override != 0 {
				if err := scheduler.SetOverride(newCfg.HealthCheck.Override); err != nil {
					log.Error("health check override hot-reload rejected", zap.Error(err))
				}
			}
			cfg.Observability.LogLevel = newCfg.Observability.LogLevel
			log.Info("config hot-reload applied (non-destructive fields only)")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	scheduler.SetShuttingDown(true)
	cancel()
	time.Sleep(200 * time.Millisecond)
	log.Info("resourcewatchdogd shutdown complete")
}

// bridgeMonitor adapts ipc.Monitor onto the VHAL bridge, so both the
// health-check scheduler and the VHAL heartbeat supervisor report
// unresponsive processes through the same WATCHDOG_TERMINATED_PROCESS path.
type bridgeMonitor struct {
	bridge *vhal.Bridge
}

const terminationReasonUnresponsive = 1

func (m *bridgeMonitor) OnClientsNotResponding(unresponsive []ipc.ProcessIdentifier) {
	for range unresponsive {
		m.bridge.ReportTerminatedProcess(context.Background(), terminationReasonUnresponsive, "")
	}
}

// procNameRegistry resolves the VHAL process by scanning /proc for a
// comm-name match, a stand-in for the service-manager lookup the real
// framework would provide (out of scope per the IPC transport boundary).
type procNameRegistry struct {
	name string
}

func (r *procNameRegistry) FindVhalProcess() (ipc.ProcessIdentifier, bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return ipc.ProcessIdentifier{}, false
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) != r.name {
			continue
		}
		startMs, err := processStartTimeMs(pid)
		if err != nil {
			continue
		}
		return ipc.ProcessIdentifier{PID: int32(pid), ProcessStartTimeMs: startMs}, true
	}
	return ipc.ProcessIdentifier{}, false
}

func processStartTimeMs(pid int) (int64, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 22 {
		return 0, fmt.Errorf("unexpected /proc/%d/stat field count", pid)
	}
	ticks, err := strconv.ParseInt(fields[21], 10, 64)
	if err != nil {
		return 0, err
	}
	return ticks * 10, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

func ptr[T any](v T) *T { return &v }
