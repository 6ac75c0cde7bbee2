package profiler

import (
	"sort"

	"github.com/carplatform/vhalguard/internal/statsource"
)

// Config holds the tunables named in spec.md §6's environment list.
type Config struct {
	TopN                int // topNStatsPerCategory, default 10
	TopNPerSubcategory  int // topNStatsPerSubcategory, default 5
	SmapsRollupSupported bool
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{TopN: 10, TopNPerSubcategory: 5, SmapsRollupSupported: true}
}

// Profiler turns stat-source snapshots into ResourceRecords. It is
// stateless across categories except for the previous total major-fault
// count, needed for percent-change.
type Profiler struct {
	cfg                  Config
	prevTotalMajorFaults int64
	haveSeenPrevious     bool
}

// New creates a Profiler with cfg, applying defaults for zero fields.
func New(cfg Config) *Profiler {
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	if cfg.TopNPerSubcategory <= 0 {
		cfg.TopNPerSubcategory = 5
	}
	return &Profiler{cfg: cfg}
}

type pidGroup struct {
	uid  int32
	name string
	pids []statsource.ProcPidStat
}

func groupByUID(pids []statsource.ProcPidStat) []pidGroup {
	order := make([]int32, 0)
	byUID := make(map[int32]*pidGroup)
	for _, p := range pids {
		g, ok := byUID[p.UID]
		if !ok {
			g = &pidGroup{uid: p.UID, name: p.Name}
			byUID[p.UID] = g
			order = append(order, p.UID)
		}
		g.pids = append(g.pids, p)
	}
	out := make([]pidGroup, 0, len(order))
	for _, uid := range order {
		out = append(out, *byUID[uid])
	}
	return out
}

// Collect assembles one ResourceRecord. filterPackages, when non-empty,
// switches to filter-packages mode: top-N is bypassed and only matching
// generic names are emitted, in natural (insertion) order.
func (p *Profiler) Collect(nowMs int64, procStat statsource.ProcStat, uidIo []statsource.UidIoCounters, pids []statsource.ProcPidStat, filterPackages map[string]bool) ResourceRecord {
	groups := groupByUID(pids)

	rec := ResourceRecord{
		TimestampMs:    nowMs,
		TaskCountByUID: make(map[int32]int, len(groups)),
	}

	var totalCPUTimeMs, totalCPUCycles, totalMajorFaults int64
	for _, g := range groups {
		rec.TaskCountByUID[g.uid] = len(g.pids)
		for _, pid := range g.pids {
			totalCPUTimeMs += pid.CPUTimeMs
			totalCPUCycles += pid.CPUCycles
			totalMajorFaults += pid.MajorFaults
		}
	}

	rec.System.TotalCPUTimeMs = procStat.Total.UserMs + procStat.Total.SystemMs
	rec.System.TotalCPUCycles = totalCPUCycles
	rec.System.TotalProcessCount = procStat.RunnableCount + procStat.IoBlockedCount
	rec.System.TotalIoStats = sumIoTotals(uidIo)
	rec.System.MajorFaultsPercentChange = percentChange(p.prevTotalMajorFaults, totalMajorFaults, p.haveSeenPrevious)
	p.prevTotalMajorFaults = totalMajorFaults
	p.haveSeenPrevious = true

	cpuValue := func(pid statsource.ProcPidStat) int64 { return pid.CPUTimeMs }
	faultValue := func(pid statsource.ProcPidStat) int64 { return pid.MajorFaults }
	memValue := func(pid statsource.ProcPidStat) int64 {
		if p.cfg.SmapsRollupSupported {
			return pid.PSSKb
		}
		return pid.RSSKb
	}
	ioBlockedValue := func(pid statsource.ProcPidStat) int64 {
		if pid.IoBlocked {
			return 1
		}
		return 0
	}

	rec.TopCPU = p.rankPidCategory(groups, cpuValue, filterPackages)
	rec.TopMajorFaults = p.rankPidCategory(groups, faultValue, filterPackages)
	rec.TopMemory = p.rankPidCategory(groups, memValue, filterPackages)
	rec.TopIoBlocked = p.rankPidCategory(groups, ioBlockedValue, filterPackages)
	uidNames := make(map[int32]string, len(groups))
	for _, g := range groups {
		uidNames[g.uid] = g.name
	}

	rec.TopIoRead = p.rankIoCategory(uidIo, uidNames, func(c statsource.UidIoCounters) int64 {
		return c.ForegroundReadBytes + c.BackgroundReadBytes
	}, filterPackages)
	rec.TopIoWrite = p.rankIoCategory(uidIo, uidNames, func(c statsource.UidIoCounters) int64 {
		return c.ForegroundWriteBytes + c.BackgroundWriteBytes
	}, filterPackages)

	return rec
}

func (p *Profiler) rankPidCategory(groups []pidGroup, valueFn func(statsource.ProcPidStat) int64, filter map[string]bool) []PackageStat {
	stats := make([]PackageStat, 0, len(groups))
	for _, g := range groups {
		if len(filter) > 0 && !filter[g.name] {
			continue
		}
		var total int64
		children := make([]ChildStat, 0, len(g.pids))
		for _, pid := range g.pids {
			v := valueFn(pid)
			total += v
			children = append(children, ChildStat{PID: pid.PID, Name: pid.Name, Value: v})
		}
		sort.SliceStable(children, func(i, j int) bool { return children[i].Value > children[j].Value })
		if len(filter) == 0 && len(children) > p.cfg.TopNPerSubcategory {
			children = children[:p.cfg.TopNPerSubcategory]
		}
		stats = append(stats, PackageStat{UID: g.uid, GenericName: g.name, Value: total, Children: children})
	}
	return finalize(stats, p.cfg.TopN, len(filter) > 0)
}

// rankIoCategory resolves each UID's generic name from uidNames (built from
// the same collection's ProcPidStat groups) and, in filter-packages mode,
// restricts the result to only the UIDs whose resolved name is in filter —
// the same bypass-top-N-but-still-filter contract rankPidCategory applies.
func (p *Profiler) rankIoCategory(uidIo []statsource.UidIoCounters, uidNames map[int32]string, valueFn func(statsource.UidIoCounters) int64, filter map[string]bool) []PackageStat {
	stats := make([]PackageStat, 0, len(uidIo))
	for _, c := range uidIo {
		name := uidNames[c.UID]
		if len(filter) > 0 && !filter[name] {
			continue
		}
		stats = append(stats, PackageStat{UID: c.UID, GenericName: name, Value: valueFn(c)})
	}
	return finalize(stats, p.cfg.TopN, len(filter) > 0)
}

// finalize applies the stable-sort top-N rule, or (in filter-packages
// mode) returns the list unsorted, in natural order, per the
// filter-packages-bypasses-top-N contract.
func finalize(stats []PackageStat, topN int, filterMode bool) []PackageStat {
	if filterMode {
		return stats
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Value > stats[j].Value })
	if len(stats) > topN {
		stats = stats[:topN]
	}
	return stats
}

func sumIoTotals(uidIo []statsource.UidIoCounters) IoTotals {
	var out IoTotals
	for _, c := range uidIo {
		out.ReadBytes = saturatingAdd(out.ReadBytes, c.ForegroundReadBytes+c.BackgroundReadBytes)
		out.WriteBytes = saturatingAdd(out.WriteBytes, c.ForegroundWriteBytes+c.BackgroundWriteBytes)
	}
	return out
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if sum < a || sum < b { // overflow wrapped around
		return int64(^uint64(0) >> 1)
	}
	return sum
}

// percentChange implements spec.md §4.9's major-faults formula: 0 if
// there is no previous sample or the previous total was 0.
func percentChange(prevTotal, currentTotal int64, havePrev bool) float64 {
	if !havePrev || prevTotal == 0 {
		return 0
	}
	return float64(currentTotal-prevTotal) / float64(prevTotal) * 100
}
