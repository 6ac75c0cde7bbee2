// Command powerpolicyd runs the Power Policy Coordinator daemon.
//
// Startup sequence:
//  1. Parse flags, load and validate config.
//  2. Initialize structured logger.
//  3. Start Prometheus metrics server and OpenTelemetry tracer.
//  4. Build the catalog (built-ins + optional vendor XML override).
//  5. Start the single dispatcher goroutine.
//  6. Start the silent-mode watcher (unless pinned by a forced mode).
//  7. Connect to VHAL and apply the initial policy.
//  8. Register SIGHUP for config hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/carplatform/vhalguard/internal/catalog"
	"github.com/carplatform/vhalguard/internal/config"
	"github.com/carplatform/vhalguard/internal/coordinator"
	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/observability"
	"github.com/carplatform/vhalguard/internal/observerregistry"
	"github.com/carplatform/vhalguard/internal/powercomponent"
	"github.com/carplatform/vhalguard/internal/powerpolicyapi"
	"github.com/carplatform/vhalguard/internal/powerstate"
	"github.com/carplatform/vhalguard/internal/silentmode"
	"github.com/carplatform/vhalguard/internal/vhal"
	"github.com/carplatform/vhalguard/internal/vhalapi"
	"github.com/carplatform/vhalguard/internal/xmlpolicy"
)

func main() {
	configPath := pflag.String("config", "/etc/vhalguard/powerpolicyd.yaml", "path to config file")
	version := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *version {
		fmt.Printf("powerpolicyd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadPowerPolicyConfig(*configPath)
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) {
			cfg = ptr(config.DefaultPowerPolicyConfig())
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

	log.Info("powerpolicyd starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("vhalguard")
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	tracer, err := observability.NewTracer("powerpolicyd", cfg.Observability.TracingEnabled)
	if err != nil {
		log.Warn("tracer init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tracer.Shutdown(context.Background()) //nolint:errcheck
	}

	cat := catalog.New()
	if cfg.VendorPolicyFile != "" {
		if err := loadVendorPolicies(cat, cfg.VendorPolicyFile); err != nil {
			log.Error("vendor policy load failed, continuing with built-ins only", zap.Error(err))
		}
	}

	state := powerstate.New()
	observers := observerregistry.New()

	disp := dispatch.New(cfg.DispatcherQueueDepth)
	go disp.Run(ctx)

	dial := grpcDialer(cfg.VhalAddr)
	bridge := vhal.New(dial, log)

	coord := coordinator.New(cat, state, observers, bridge, disp, log, nowMs)

	forced := silentmode.NotForced
	switch cfg.ForcedSilentMode {
	case "silent":
		forced = silentmode.ForcedSilent
	case "non_silent":
		forced = silentmode.ForcedNonSilent
	}
	watcher := silentmode.New(coord, cfg.SilentModeStatePath, cfg.SilentModeMirrorPath, forced, log)
	if err := watcher.Start(ctx); err != nil {
		log.Error("silent mode watcher failed to start", zap.Error(err))
	}

	callbacks := &powerSideCallbacks{coord: coord, log: log}
	go func() {
		if err := bridge.ConnectOnce(ctx, func(b *vhal.Bridge, isFirstConnect bool) {
			coord.SetVhalReady(true)
			applyInitialPolicy(ctx, coord, cat, b, isFirstConnect, log)
			b.SubscribePower(ctx, callbacks)
		}); err != nil {
			log.Error("vhal connect failed after max attempts", zap.Error(err))
		}
	}()

	// spec.md §6: the Power Policy IPC surface (getCurrentPowerPolicy,
	// registerPowerPolicyChangeCallback, applyPowerPolicy, the
	// framework-only notify*/applyPowerPolicyAsync calls, ...) is served
	// over gRPC on cfg.IPCAddr.
	ppSrv := grpc.NewServer()
	powerpolicyapi.RegisterPowerPolicyServer(ppSrv, powerpolicyapi.New(coord, cat, cfg.EnableDirectApplyPowerPolicy, log))
	go func() {
		lis, err := net.Listen("tcp", cfg.IPCAddr)
		if err != nil {
			log.Error("power policy ipc listen failed", zap.String("addr", cfg.IPCAddr), zap.Error(err))
			return
		}
		log.Info("power policy ipc server listening", zap.String("addr", cfg.IPCAddr))
		if err := ppSrv.Serve(lis); err != nil {
			log.Error("power policy ipc server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		ppSrv.GracefulStop()
	}()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config")
			newCfg, err := config.LoadPowerPolicyConfig(*configPath)
			if err != nil {
				log.Error("config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			cfg.Observability.LogLevel = newCfg.Observability.LogLevel
			log.Info("config hot-reload applied (non-destructive fields only)")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	watcher.Stop()
	cancel()
	time.Sleep(200 * time.Millisecond)
	log.Info("powerpolicyd shutdown complete")
}

// applyInitialPolicy applies the pending id if one is set, else
// the group default for WaitForVHAL, else initial_on, per spec.md §4.5's
// first-connect rule. On subsequent connects it only re-announces the
// current policy id.
func applyInitialPolicy(ctx context.Context, coord *coordinator.Coordinator, cat *catalog.Catalog, b *vhal.Bridge, isFirstConnect bool, log *zap.Logger) {
	meta, err := coord.GetCurrentPolicy()
	if err == nil {
		b.SetCurrentPolicy(ctx, meta.Policy.ID)
		if !isFirstConnect {
			return
		}
		return
	}
	if !isFirstConnect {
		return
	}
	if pending := coord.PendingID(); pending != "" {
		if err := coord.ApplyRegular(ctx, pending, false); err != nil {
			log.Warn("initial pending policy apply failed", zap.Error(err))
		}
		return
	}
	id, err := cat.GetDefaultForState("", powercomponent.WaitForVHAL)
	if err != nil {
		id = powercomponent.PolicyInitialOn
	}
	if err := coord.ApplyRegular(ctx, id, false); err != nil {
		log.Warn("initial policy apply failed", zap.Error(err))
	}
}

// powerSideCallbacks adapts VHAL property-change events into coordinator
// calls, the power-side half of the bridge contract.
type powerSideCallbacks struct {
	coord *coordinator.Coordinator
	log   *zap.Logger
}

func (p *powerSideCallbacks) OnPolicyRequest(id string) {
	if err := p.coord.ApplyRegular(context.Background(), id, false); err != nil {
		p.log.Warn("policy request apply failed", zap.String("id", id), zap.Error(err))
	}
}

func (p *powerSideCallbacks) OnPolicyGroupRequest(id string) {
	if err := p.coord.SetPowerPolicyGroup(id); err != nil {
		p.log.Warn("policy group request failed", zap.String("id", id), zap.Error(err))
	}
}

func loadVendorPolicies(cat *catalog.Catalog, path string) error {
	doc, err := xmlpolicy.Load(path)
	if err != nil {
		return err
	}
	for _, p := range doc.Policies {
		if err := cat.DefinePolicy(p.ID, p.EnabledStandard, p.DisabledStandard, p.EnabledCustom, p.DisabledCustom); err != nil {
			return fmt.Errorf("define policy %s: %w", p.ID, err)
		}
	}
	for _, g := range doc.Groups {
		if err := cat.DefinePolicyGroup(g.ID, g.PolicyForWait, g.PolicyForOn); err != nil {
			return fmt.Errorf("define group %s: %w", g.ID, err)
		}
	}
	if len(doc.NoUserInteractionAdd) > 0 || len(doc.NoUserInteractionSub) > 0 {
		cat.MergeVendorOverride(doc.NoUserInteractionAdd, doc.NoUserInteractionSub)
	}
	return nil
}

func grpcDialer(addr string) vhal.Dialer {
	return func(ctx context.Context) (vhalapi.VhalClient, func() error, error) {
		conn, err := grpc.DialContext(ctx, addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("dial vhal at %s: %w", addr, err)
		}
		return vhalapi.NewVhalClient(conn), conn.Close, nil
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func ptr[T any](v T) *T { return &v }
