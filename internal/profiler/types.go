// Package profiler implements PerformanceProfiler: top-N ranking,
// percent-change computation, and collection-buffer bookkeeping over
// stat-source snapshots. Grounded on contrib.ZScoreScorer's
// snapshot-in/summary-out transform shape, generalized from a single
// anomaly score to the six ranking categories spec.md names.
package profiler

// Category is one of the six top-N ranking dimensions.
type Category int

const (
	CategoryCPU Category = iota
	CategoryIoRead
	CategoryIoWrite
	CategoryIoBlocked
	CategoryMajorFaults
	CategoryMemory
)

// PackageStat is one UID's resolved summary for a single category,
// carrying enough of the other fields to support dump formatting.
type PackageStat struct {
	UID         int32
	GenericName string
	Value       int64 // the category's primary ranking key
	Children    []ChildStat
}

// ChildStat is one per-process child entry ranked within a PackageStat's
// UID, by the same primary key as its parent category.
type ChildStat struct {
	PID   int32
	Name  string
	Value int64
}

// IoTotals is a read/write byte pair, added with saturation at the
// positive int64 maximum.
type IoTotals struct {
	ReadBytes  int64
	WriteBytes int64
}

// SystemSummary is the system-wide portion of a ResourceRecord.
type SystemSummary struct {
	TotalCPUTimeMs           int64
	TotalCPUCycles           int64
	TotalProcessCount        int
	TotalIoStats             IoTotals
	MajorFaultsPercentChange float64
}

// ResourceRecord is one sample in a collection buffer.
type ResourceRecord struct {
	TimestampMs int64
	System      SystemSummary

	TopCPU         []PackageStat
	TopIoRead      []PackageStat
	TopIoWrite     []PackageStat
	TopIoBlocked   []PackageStat
	TopMajorFaults []PackageStat
	TopMemory      []PackageStat

	TaskCountByUID map[int32]int
}
