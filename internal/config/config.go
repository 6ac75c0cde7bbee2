// Package config provides configuration loading, validation, and
// hot-reload for the power policy coordinator and resource watchdog
// daemons.
//
// Hot-reload:
//   - Both daemons listen for SIGHUP.
//   - On SIGHUP: re-read and re-validate the config file.
//   - Only a non-zero health-check override takes effect in the running
//     resource watchdog; a new log level is copied into the in-memory
//     config but the running logger keeps its startup level, and
//     intervals are not reloaded.
//   - Destructive changes (socket paths, listen addresses) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload.
//
// Validation:
//   - All required fields must be present.
//   - Durations must be non-negative and, where spec.md requires it, at
//     least 1s (health-check override, boot-time/periodic intervals).
//   - Invalid config on startup: daemon refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ObservabilityConfig holds metrics, logging, and tracing parameters,
// shared by both daemons' top-level Config structs.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091 (powerpolicyd), 127.0.0.1:9092 (resourcewatchdogd).
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`

	// TracingEnabled gates the OpenTelemetry stdout exporter. When false, a
	// no-op tracer provider is installed.
	TracingEnabled bool `yaml:"tracing_enabled"`
}

func defaultObservability(metricsPort int) ObservabilityConfig {
	return ObservabilityConfig{
		MetricsAddr:    fmt.Sprintf("127.0.0.1:%d", metricsPort),
		LogLevel:       "info",
		LogFormat:      "json",
		TracingEnabled: false,
	}
}

func validateObservability(o ObservabilityConfig) []string {
	var errs []string
	switch o.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be \"json\" or \"console\", got %q", o.LogFormat))
	}
	var lvl levelValidator
	if !lvl.valid(o.LogLevel) {
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", o.LogLevel))
	}
	return errs
}

type levelValidator struct{}

func (levelValidator) valid(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// PowerPolicyConfig is the root configuration for powerpolicyd.
type PowerPolicyConfig struct {
	// NodeID identifies this node in logs. Default: hostname.
	NodeID string `yaml:"node_id"`

	// VhalAddr is the VHAL gRPC endpoint to dial.
	VhalAddr string `yaml:"vhal_addr"`

	// VendorPolicyFile is the path to the vendor-supplied XML policy
	// catalog, loaded at startup. Empty means built-ins only.
	VendorPolicyFile string `yaml:"vendor_policy_file"`

	// SilentModeStatePath is the sysfs node fsnotify watches for hardware
	// silent-mode changes.
	SilentModeStatePath string `yaml:"silent_mode_state_path"`

	// SilentModeMirrorPath is the sysfs node silentmode.Watcher writes its
	// best-effort mirror to.
	SilentModeMirrorPath string `yaml:"silent_mode_mirror_path"`

	// ForcedSilentMode overrides hardware detection: "" (not forced),
	// "silent", or "non_silent".
	ForcedSilentMode string `yaml:"forced_silent_mode"`

	// DispatcherQueueDepth bounds the single dispatcher goroutine's pending
	// work queue.
	DispatcherQueueDepth int `yaml:"dispatcher_queue_depth"`

	// IPCAddr is the gRPC listen address for the PowerPolicyDelegate /
	// observer-facing RPC surface.
	IPCAddr string `yaml:"ipc_addr"`

	// EnableDirectApplyPowerPolicy gates applyPowerPolicy and
	// setPowerPolicyGroup's direct (non-framework) callers, off by default
	// since those RPCs bypass the CarService takeover handshake.
	EnableDirectApplyPowerPolicy bool `yaml:"enable_direct_apply_power_policy"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultPowerPolicyConfig returns a PowerPolicyConfig populated with all
// default values.
func DefaultPowerPolicyConfig() PowerPolicyConfig {
	hostname, _ := os.Hostname()
	return PowerPolicyConfig{
		NodeID:                hostname,
		VhalAddr:              "127.0.0.1:9050",
		SilentModeStatePath:   "/sys/kernel/silent_mode/state",
		SilentModeMirrorPath:  "/sys/kernel/silent_mode/mirror",
		ForcedSilentMode:      "",
		DispatcherQueueDepth:  256,
		IPCAddr:               "127.0.0.1:9060",
		Observability:         defaultObservability(9091),
	}
}

// LoadPowerPolicyConfig reads and validates a PowerPolicyConfig from path.
func LoadPowerPolicyConfig(path string) (*PowerPolicyConfig, error) {
	cfg := DefaultPowerPolicyConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadPowerPolicyConfig: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.LoadPowerPolicyConfig: parse %q: %w", path, err)
	}
	if err := ValidatePowerPolicyConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config.LoadPowerPolicyConfig: validation failed: %w", err)
	}
	return &cfg, nil
}

// ValidatePowerPolicyConfig checks every field for correctness, returning a
// descriptive error listing all violations found.
func ValidatePowerPolicyConfig(cfg *PowerPolicyConfig) error {
	var errs []string
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.VhalAddr == "" {
		errs = append(errs, "vhal_addr must not be empty")
	}
	if cfg.DispatcherQueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher_queue_depth must be >= 1, got %d", cfg.DispatcherQueueDepth))
	}
	switch cfg.ForcedSilentMode {
	case "", "silent", "non_silent":
	default:
		errs = append(errs, fmt.Sprintf("forced_silent_mode must be \"\", \"silent\", or \"non_silent\", got %q", cfg.ForcedSilentMode))
	}
	errs = append(errs, validateObservability(cfg.Observability)...)
	return joinErrs(errs)
}

// WatchdogConfig is the root configuration for resourcewatchdogd.
type WatchdogConfig struct {
	NodeID string `yaml:"node_id"`

	VhalAddr string `yaml:"vhal_addr"`

	// IPCAddr is the gRPC listen address clients register against and the
	// monitor callback is delivered over.
	IPCAddr string `yaml:"ipc_addr"`

	// HealthCheck holds the three timeout tracks plus the single-value
	// override.
	HealthCheck HealthCheckConfig `yaml:"health_check"`

	// VhalHeartbeatWindow is the staleness window the supervisor checks
	// the VHAL heartbeat counter against.
	VhalHeartbeatWindow time.Duration `yaml:"vhal_heartbeat_window"`

	// Perf holds the performance-profiling collection intervals.
	Perf PerfConfig `yaml:"perf"`

	DispatcherQueueDepth int `yaml:"dispatcher_queue_depth"`

	// OperatorSocketPath is the Unix domain socket the perf dump operator
	// surface (start-perf/stop-perf/status) listens on.
	OperatorSocketPath string `yaml:"operator_socket_path"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// HealthCheckConfig holds the three independent timeout tracks (spec.md
// §4.6) plus an optional single-value override gated at >= the normal
// track's timeout.
type HealthCheckConfig struct {
	CriticalTimeout time.Duration `yaml:"critical_timeout"`
	ModerateTimeout time.Duration `yaml:"moderate_timeout"`
	NormalTimeout   time.Duration `yaml:"normal_timeout"`

	// Override, if non-zero, replaces all three tracks' timeouts with a
	// single value. Must be >= NormalTimeout.
	Override time.Duration `yaml:"override"`
}

// PerfConfig holds the PerfService collection interval tunables (spec.md
// §4.8/§6).
type PerfConfig struct {
	BoottimeInterval        time.Duration `yaml:"boottime_interval"`
	PeriodicInterval        time.Duration `yaml:"periodic_interval"`
	PeriodicMonitorInterval time.Duration `yaml:"periodic_monitor_interval"`
	CacheDuration           time.Duration `yaml:"cache_duration"`
	MaxUserSwitchEvents     int           `yaml:"max_user_switch_events"`
	TopN                    int           `yaml:"top_n"`
	TopNPerSubcategory      int           `yaml:"top_n_per_subcategory"`
	CustomStartInterval     time.Duration `yaml:"custom_start_interval"`
	CustomMaxDuration       time.Duration `yaml:"custom_max_duration"`
}

// DefaultWatchdogConfig returns a WatchdogConfig populated with all default
// values from spec.md's stated defaults.
func DefaultWatchdogConfig() WatchdogConfig {
	hostname, _ := os.Hostname()
	return WatchdogConfig{
		NodeID:   hostname,
		VhalAddr: "127.0.0.1:9050",
		IPCAddr:  "127.0.0.1:9061",
		HealthCheck: HealthCheckConfig{
			CriticalTimeout: 3 * time.Second,
			ModerateTimeout: 6 * time.Second,
			NormalTimeout:   12 * time.Second,
		},
		VhalHeartbeatWindow:  5 * time.Second,
		DispatcherQueueDepth: 256,
		OperatorSocketPath:   "/run/vhalguard/resourcewatchdogd.sock",
		Perf: PerfConfig{
			BoottimeInterval:        time.Second,
			PeriodicInterval:        10 * time.Second,
			PeriodicMonitorInterval: 2 * time.Second,
			CacheDuration:           3600 * time.Second,
			MaxUserSwitchEvents:     3,
			TopN:                    10,
			TopNPerSubcategory:      5,
			CustomStartInterval:     10 * time.Second,
			CustomMaxDuration:       30 * time.Minute,
		},
		Observability: defaultObservability(9092),
	}
}

// LoadWatchdogConfig reads and validates a WatchdogConfig from path.
func LoadWatchdogConfig(path string) (*WatchdogConfig, error) {
	cfg := DefaultWatchdogConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadWatchdogConfig: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.LoadWatchdogConfig: parse %q: %w", path, err)
	}
	if err := ValidateWatchdogConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config.LoadWatchdogConfig: validation failed: %w", err)
	}
	return &cfg, nil
}

// ValidateWatchdogConfig checks every field for correctness.
func ValidateWatchdogConfig(cfg *WatchdogConfig) error {
	var errs []string
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.VhalAddr == "" {
		errs = append(errs, "vhal_addr must not be empty")
	}
	if cfg.DispatcherQueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher_queue_depth must be >= 1, got %d", cfg.DispatcherQueueDepth))
	}
	hc := cfg.HealthCheck
	if hc.CriticalTimeout <= 0 || hc.ModerateTimeout <= 0 || hc.NormalTimeout <= 0 {
		errs = append(errs, "health_check timeouts must all be positive")
	}
	if hc.Override != 0 && hc.Override < hc.NormalTimeout {
		errs = append(errs, fmt.Sprintf("health_check.override (%s) must be >= normal_timeout (%s)", hc.Override, hc.NormalTimeout))
	}
	if cfg.VhalHeartbeatWindow <= 0 {
		errs = append(errs, "vhal_heartbeat_window must be positive")
	}
	if cfg.Perf.BoottimeInterval < time.Second {
		errs = append(errs, "perf.boottime_interval must be at least 1s")
	}
	if cfg.Perf.PeriodicInterval < time.Second {
		errs = append(errs, "perf.periodic_interval must be at least 1s")
	}
	if cfg.Perf.PeriodicMonitorInterval <= 0 {
		errs = append(errs, "perf.periodic_monitor_interval must be positive")
	}
	if cfg.Perf.MaxUserSwitchEvents < 1 {
		errs = append(errs, "perf.max_user_switch_events must be >= 1")
	}
	if cfg.Perf.TopN < 1 || cfg.Perf.TopNPerSubcategory < 1 {
		errs = append(errs, "perf.top_n and perf.top_n_per_subcategory must be >= 1")
	}
	if cfg.OperatorSocketPath == "" {
		errs = append(errs, "operator_socket_path must not be empty")
	}
	errs = append(errs, validateObservability(cfg.Observability)...)
	return joinErrs(errs)
}

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "\n  - " + e
	}
	return fmt.Errorf("config validation errors:\n  - %s", msg)
}
