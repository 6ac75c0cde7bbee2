package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/statsource"
)

func TestS5TopNRankingUnderPSS(t *testing.T) {
	p := New(Config{TopN: 10, TopNPerSubcategory: 5, SmapsRollupSupported: true})
	pids := []statsource.ProcPidStat{
		{PID: 1, UID: 100, Name: "pkg.a", PSSKb: 1645, RSSKb: 2010},
		{PID: 2, UID: 200, Name: "pkg.b", PSSKb: 1635, RSSKb: 2000},
		{PID: 3, UID: 300, Name: "pkg.c", PSSKb: 865, RSSKb: 1000},
	}
	rec := p.Collect(0, statsource.ProcStat{}, nil, pids, nil)
	require.Len(t, rec.TopMemory, 3)
	require.Equal(t, []int64{1645, 1635, 865}, valuesOf(rec.TopMemory))

	pFallback := New(Config{TopN: 10, TopNPerSubcategory: 5, SmapsRollupSupported: false})
	rec = pFallback.Collect(0, statsource.ProcStat{}, nil, pids, nil)
	require.Equal(t, []int64{2010, 2000, 1000}, valuesOf(rec.TopMemory))
}

func valuesOf(stats []PackageStat) []int64 {
	out := make([]int64, len(stats))
	for i, s := range stats {
		out[i] = s.Value
	}
	return out
}

func TestMajorFaultsPercentChange(t *testing.T) {
	p := New(DefaultConfig())
	pids1 := []statsource.ProcPidStat{{PID: 1, UID: 1, MajorFaults: 100}}
	pids2 := []statsource.ProcPidStat{{PID: 1, UID: 1, MajorFaults: 150}}

	rec1 := p.Collect(0, statsource.ProcStat{}, nil, pids1, nil)
	require.Equal(t, float64(0), rec1.System.MajorFaultsPercentChange, "no previous sample yet")

	rec2 := p.Collect(1, statsource.ProcStat{}, nil, pids2, nil)
	require.InDelta(t, 50.0, rec2.System.MajorFaultsPercentChange, 0.001)
}

func TestMajorFaultsPercentChangeZeroPrevious(t *testing.T) {
	p := New(DefaultConfig())
	p.Collect(0, statsource.ProcStat{}, nil, []statsource.ProcPidStat{{UID: 1, MajorFaults: 0}}, nil)
	rec := p.Collect(1, statsource.ProcStat{}, nil, []statsource.ProcPidStat{{UID: 1, MajorFaults: 50}}, nil)
	require.Equal(t, float64(0), rec.System.MajorFaultsPercentChange)
}

func TestFilterPackagesModeBypassesTopN(t *testing.T) {
	p := New(Config{TopN: 1, TopNPerSubcategory: 5, SmapsRollupSupported: true})
	pids := []statsource.ProcPidStat{
		{PID: 1, UID: 1, Name: "keep.me", CPUTimeMs: 5},
		{PID: 2, UID: 2, Name: "drop.me", CPUTimeMs: 500},
	}
	rec := p.Collect(0, statsource.ProcStat{}, nil, pids, map[string]bool{"keep.me": true})
	require.Len(t, rec.TopCPU, 1)
	require.Equal(t, "keep.me", rec.TopCPU[0].GenericName)
	require.Contains(t, rec.TaskCountByUID, int32(1))
}

func TestFilterPackagesModeAppliesToIoCategories(t *testing.T) {
	p := New(Config{TopN: 1, TopNPerSubcategory: 5, SmapsRollupSupported: true})
	pids := []statsource.ProcPidStat{
		{PID: 1, UID: 1, Name: "pkg.a"},
		{PID: 2, UID: 2, Name: "pkg.b"},
	}
	uidIo := []statsource.UidIoCounters{
		{UID: 1, ForegroundReadBytes: 10},
		{UID: 2, ForegroundReadBytes: 9000, ForegroundWriteBytes: 9000},
	}
	rec := p.Collect(0, statsource.ProcStat{}, uidIo, pids, map[string]bool{"pkg.a": true})

	require.Len(t, rec.TopIoRead, 1)
	require.Equal(t, "pkg.a", rec.TopIoRead[0].GenericName)
	require.Len(t, rec.TopIoWrite, 1)
	require.Equal(t, "pkg.a", rec.TopIoWrite[0].GenericName)
}

func TestIoCategoriesPopulateGenericName(t *testing.T) {
	p := New(DefaultConfig())
	pids := []statsource.ProcPidStat{{PID: 1, UID: 7, Name: "pkg.named"}}
	uidIo := []statsource.UidIoCounters{{UID: 7, ForegroundReadBytes: 5, ForegroundWriteBytes: 5}}
	rec := p.Collect(0, statsource.ProcStat{}, uidIo, pids, nil)
	require.Len(t, rec.TopIoRead, 1)
	require.Equal(t, "pkg.named", rec.TopIoRead[0].GenericName)
}

func TestBufferRetainsMostRecentKWithinMaxSize(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Append(ResourceRecord{TimestampMs: int64(i)})
	}
	got := b.Records()
	require.Len(t, got, 3)
	require.Equal(t, []int64{2, 3, 4}, []int64{got[0].TimestampMs, got[1].TimestampMs, got[2].TimestampMs})
}

func TestUserSwitchBuffersEvictFIFO(t *testing.T) {
	u := NewUserSwitchBuffers(2)
	u.Append(UserSwitchKey{From: 0, To: 1}, ResourceRecord{}, 0)
	u.Append(UserSwitchKey{From: 1, To: 2}, ResourceRecord{}, 1)
	u.Append(UserSwitchKey{From: 2, To: 3}, ResourceRecord{}, 2)

	entries := u.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, UserSwitchKey{From: 1, To: 2}, entries[0].Key)
	require.Equal(t, UserSwitchKey{From: 2, To: 3}, entries[1].Key)
}

func TestSaturatingAddDoesNotOverflow(t *testing.T) {
	max := int64(^uint64(0) >> 1)
	require.Equal(t, max, saturatingAdd(max, 10))
}

func TestSystemEventCacheWakeUpKeepsOnlyNewest(t *testing.T) {
	c := NewSystemEventCache(time.Hour, time.Hour)
	c.PutWakeUp(ResourceRecord{TimestampMs: 1})
	c.PutWakeUp(ResourceRecord{TimestampMs: 2})
	rec, ok := c.WakeUp()
	require.True(t, ok)
	require.Equal(t, int64(2), rec.TimestampMs)
}
