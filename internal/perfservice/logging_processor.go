package perfservice

import (
	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/profiler"
)

// LoggingProcessor is the always-on processor every daemon installs: it
// logs a one-line summary of each collection pass. Concrete deployments
// add further processors (dump formatting, alerting) alongside it.
type LoggingProcessor struct {
	BaseProcessor
	log *zap.Logger
}

// NewLoggingProcessor creates a LoggingProcessor.
func NewLoggingProcessor(log *zap.Logger) *LoggingProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoggingProcessor{log: log}
}

func (p *LoggingProcessor) OnBoottimeCollection(rec profiler.ResourceRecord) {
	p.log.Debug("boottime collection",
		zap.Int64("t_ms", rec.TimestampMs),
		zap.Int64("cpu_time_ms", rec.System.TotalCPUTimeMs),
		zap.Int("process_count", rec.System.TotalProcessCount))
}

func (p *LoggingProcessor) OnPeriodicCollection(rec profiler.ResourceRecord) {
	p.log.Debug("periodic collection",
		zap.Int64("t_ms", rec.TimestampMs),
		zap.Int64("cpu_time_ms", rec.System.TotalCPUTimeMs),
		zap.Float64("major_faults_pct_change", rec.System.MajorFaultsPercentChange))
}

func (p *LoggingProcessor) OnCustomCollection(rec profiler.ResourceRecord) {
	p.log.Info("custom collection sample", zap.Int64("t_ms", rec.TimestampMs))
}

func (p *LoggingProcessor) Terminate() {
	p.log.Warn("perf service terminated")
}
