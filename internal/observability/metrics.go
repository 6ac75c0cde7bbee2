package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor shared across both
// daemons, registered on a dedicated registry rather than the global one.
// Grounded on internal/observability/metrics.go in the teacher (same
// registry-isolation and loopback-bind convention); metric names follow
// the vhalguard_<subsystem>_<name>_<unit> convention instead of the
// teacher's octoreflex_ prefix.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Power policy coordinator ──────────────────────────────────────

	PolicyApplyTotal      *prometheus.CounterVec // labels: kind(regular|preemptive|async), decision(proceed|skip)
	PolicyLockedGauge     prometheus.Gauge
	ObserverNotifyTotal   prometheus.Counter
	VhalSetPolicyFailTotal prometheus.Counter

	// ─── Resource watchdog: clients/health check ───────────────────────

	ClientsRegisteredGauge *prometheus.GaugeVec // labels: track
	HealthCheckPingsTotal  *prometheus.CounterVec // labels: track
	HealthCheckUnresponsiveTotal *prometheus.CounterVec // labels: track

	// ─── VHAL supervisor ────────────────────────────────────────────────

	VhalHeartbeatGauge   prometheus.Gauge
	VhalTerminationsTotal prometheus.Counter

	// ─── Performance profiler ───────────────────────────────────────────

	PerfCollectionDuration *prometheus.HistogramVec // labels: phase(boottime|periodic|custom|wakeup|userswitch)
	PerfCollectionTotal    *prometheus.CounterVec   // labels: phase

	// ─── Daemon-wide ─────────────────────────────────────────────────────

	UptimeSeconds prometheus.Gauge
	startTime     time.Time
}

// NewMetrics creates and registers every metric on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PolicyApplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "policy", Name: "apply_total",
			Help: "Total policy apply attempts, by request kind and decision.",
		}, []string{"kind", "decision"}),

		PolicyLockedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "policy", Name: "locked",
			Help: "1 if the coordinator currently holds a preemptive lock, else 0.",
		}),

		ObserverNotifyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "policy", Name: "observer_notify_total",
			Help: "Total onPolicyChanged callbacks delivered to registered observers.",
		}),

		VhalSetPolicyFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "vhal", Name: "set_policy_fail_total",
			Help: "Total non-fatal failures reporting the current policy id to VHAL.",
		}),

		ClientsRegisteredGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watchdog", Name: "clients_registered",
			Help: "Current number of registered health-check clients, by track.",
		}, []string{"track"}),

		HealthCheckPingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watchdog", Name: "pings_total",
			Help: "Total CheckIfAlive pings issued, by track.",
		}, []string{"track"}),

		HealthCheckUnresponsiveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watchdog", Name: "unresponsive_total",
			Help: "Total clients found unresponsive at round start, by track.",
		}, []string{"track"}),

		VhalHeartbeatGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "vhal", Name: "heartbeat_value",
			Help: "Last observed VHAL heartbeat counter value.",
		}),

		VhalTerminationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "vhal", Name: "terminations_total",
			Help: "Total times the supervisor terminated VHAL for regression or staleness.",
		}),

		PerfCollectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "perf", Name: "collection_duration_seconds",
			Help:    "Duration of one stat-source collection pass, by phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),

		PerfCollectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "perf", Name: "collection_total",
			Help: "Total collection passes completed, by phase.",
		}, []string{"phase"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daemon", Name: "uptime_seconds",
			Help: "Seconds since this daemon started.",
		}),
	}

	reg.MustRegister(
		m.PolicyApplyTotal, m.PolicyLockedGauge, m.ObserverNotifyTotal, m.VhalSetPolicyFailTotal,
		m.ClientsRegisteredGauge, m.HealthCheckPingsTotal, m.HealthCheckUnresponsiveTotal,
		m.VhalHeartbeatGauge, m.VhalTerminationsTotal,
		m.PerfCollectionDuration, m.PerfCollectionTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr, binding
// loopback-only, and blocks until ctx is canceled.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
