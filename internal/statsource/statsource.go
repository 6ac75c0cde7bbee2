// Package statsource defines the stat-source interfaces PerfService and
// PerformanceProfiler collect from, plus a deterministic fake used by
// tests. No ecosystem proc-parsing library appears anywhere in the
// retrieval pack, so the production implementation (procfs.go) reads
// /proc directly with the standard library only.
package statsource

// CPUCounters is the per-cpu-bucket breakdown from /proc/stat's
// aggregate cpu line, in USER_HZ-independent milliseconds.
type CPUCounters struct {
	UserMs   int64
	SystemMs int64
	IdleMs   int64
	IoWaitMs int64
}

// ProcStat is a snapshot of system-wide CPU accounting.
type ProcStat struct {
	Total           CPUCounters
	RunnableCount   int
	IoBlockedCount  int
}

// UidIoCounters is one uid's cumulative foreground/background I/O byte
// counts, as reported by /proc/uid_io/stats.
type UidIoCounters struct {
	UID                   int32
	ForegroundReadBytes   int64
	ForegroundWriteBytes  int64
	BackgroundReadBytes   int64
	BackgroundWriteBytes  int64
}

// ProcPidStat is one process's per-pid accounting, keyed by UID for
// aggregation into package-level records.
type ProcPidStat struct {
	PID            int32
	UID            int32
	Name           string
	CPUTimeMs      int64
	CPUCycles      int64
	MajorFaults    int64
	RSSKb          int64
	PSSKb          int64
	PSSSupported   bool
	IoBlocked      bool
}

// DiskStat is the periodic-monitor-interval disk statistics snapshot.
type DiskStat struct {
	ReadBytes  int64
	WriteBytes int64
}

// ProcStatSource refreshes and returns /proc/stat-equivalent data.
type ProcStatSource interface {
	Refresh() (ProcStat, error)
}

// UidIoStatSource refreshes and returns /proc/uid_io/stats-equivalent
// data, one entry per uid.
type UidIoStatSource interface {
	Refresh() ([]UidIoCounters, error)
}

// ProcPidStatSource refreshes and returns per-process accounting for
// every process currently visible.
type ProcPidStatSource interface {
	Refresh() ([]ProcPidStat, error)
}

// DiskStatSource refreshes and returns disk-wide I/O counters for the
// periodic monitor interval.
type DiskStatSource interface {
	Refresh() (DiskStat, error)
}
