package statsource

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// clockTicksPerSec is the USER_HZ value assumed when converting
// /proc/stat and /proc/[pid]/stat jiffy counters to milliseconds. This
// matches the near-universal Linux default; a platform running a
// different value would need this made configurable.
const clockTicksPerSec = 100

// ProcFSProcStatSource reads /proc/stat.
type ProcFSProcStatSource struct {
	Path string // defaults to /proc/stat
}

func (s *ProcFSProcStatSource) path() string {
	if s.Path != "" {
		return s.Path
	}
	return "/proc/stat"
}

func (s *ProcFSProcStatSource) Refresh() (ProcStat, error) {
	f, err := os.Open(s.path())
	if err != nil {
		return ProcStat{}, err
	}
	defer f.Close()

	var out ProcStat
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "cpu":
			vals := parseUint64Fields(fields[1:])
			if len(vals) < 5 {
				return ProcStat{}, fmt.Errorf("statsource: malformed cpu line in %s", s.path())
			}
			out.Total = CPUCounters{
				UserMs:   ticksToMs(vals[0] + vals[1]), // user + nice
				SystemMs: ticksToMs(vals[2]),
				IdleMs:   ticksToMs(vals[3]),
				IoWaitMs: ticksToMs(vals[4]),
			}
		case fields[0] == "procs_running":
			if len(fields) > 1 {
				out.RunnableCount, _ = strconv.Atoi(fields[1])
			}
		case fields[0] == "procs_blocked":
			if len(fields) > 1 {
				out.IoBlockedCount, _ = strconv.Atoi(fields[1])
			}
		}
	}
	return out, sc.Err()
}

func parseUint64Fields(fields []string) []int64 {
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			break
		}
		out = append(out, v)
	}
	return out
}

func ticksToMs(ticks int64) int64 {
	return ticks * 1000 / clockTicksPerSec
}

// ProcFSUidIoStatSource reads /proc/uid_io/stats.
type ProcFSUidIoStatSource struct {
	Path string // defaults to /proc/uid_io/stats
}

func (s *ProcFSUidIoStatSource) path() string {
	if s.Path != "" {
		return s.Path
	}
	return "/proc/uid_io/stats"
}

func (s *ProcFSUidIoStatSource) Refresh() ([]UidIoCounters, error) {
	f, err := os.Open(s.path())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []UidIoCounters
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		uid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			continue
		}
		vals := parseUint64Fields(fields[1:])
		if len(vals) < 4 {
			continue
		}
		out = append(out, UidIoCounters{
			UID:                  int32(uid),
			ForegroundReadBytes:  vals[0],
			ForegroundWriteBytes: vals[1],
			BackgroundReadBytes:  vals[2],
			BackgroundWriteBytes: vals[3],
		})
	}
	return out, sc.Err()
}

// ProcFSProcPidStatSource reads /proc/[pid]/stat for every process
// currently visible under Root (defaults to /proc).
type ProcFSProcPidStatSource struct {
	Root string
}

func (s *ProcFSProcPidStatSource) root() string {
	if s.Root != "" {
		return s.Root
	}
	return "/proc"
}

func (s *ProcFSProcPidStatSource) Refresh() ([]ProcPidStat, error) {
	entries, err := os.ReadDir(s.root())
	if err != nil {
		return nil, err
	}
	var out []ProcPidStat
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, ok := s.readOne(pid)
		if ok {
			out = append(out, stat)
		}
	}
	return out, nil
}

func (s *ProcFSProcPidStatSource) readOne(pid int) (ProcPidStat, bool) {
	raw, err := os.ReadFile(filepath.Join(s.root(), strconv.Itoa(pid), "stat"))
	if err != nil {
		return ProcPidStat{}, false
	}
	line := string(raw)
	open := strings.IndexByte(line, '(')
	closeParen := strings.LastIndexByte(line, ')')
	if open < 0 || closeParen < 0 || closeParen < open {
		return ProcPidStat{}, false
	}
	name := line[open+1 : closeParen]
	rest := strings.Fields(line[closeParen+1:])
	// rest[0] is state; utime is field 14 (index 11 in rest, 0-based
	// after state), stime field 15 (index 12).
	if len(rest) < 13 {
		return ProcPidStat{}, false
	}
	utime, _ := strconv.ParseInt(rest[11], 10, 64)
	stime, _ := strconv.ParseInt(rest[12], 10, 64)

	uid, _ := s.readUID(pid)

	return ProcPidStat{
		PID:       int32(pid),
		UID:       uid,
		Name:      name,
		CPUTimeMs: ticksToMs(utime + stime),
	}, true
}

func (s *ProcFSProcPidStatSource) readUID(pid int) (int32, bool) {
	raw, err := os.ReadFile(filepath.Join(s.root(), strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		v, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return 0, false
		}
		return int32(v), true
	}
	return 0, false
}

// ProcFSDiskStatSource reads /proc/diskstats, summing read/write bytes
// across every block device line (assumes 512-byte sectors).
type ProcFSDiskStatSource struct {
	Path string // defaults to /proc/diskstats
}

func (s *ProcFSDiskStatSource) path() string {
	if s.Path != "" {
		return s.Path
	}
	return "/proc/diskstats"
}

const sectorSizeBytes = 512

func (s *ProcFSDiskStatSource) Refresh() (DiskStat, error) {
	f, err := os.Open(s.path())
	if err != nil {
		return DiskStat{}, err
	}
	defer f.Close()

	var out DiskStat
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}
		readSectors, err1 := strconv.ParseInt(fields[5], 10, 64)
		writeSectors, err2 := strconv.ParseInt(fields[9], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out.ReadBytes += readSectors * sectorSizeBytes
		out.WriteBytes += writeSectors * sectorSizeBytes
	}
	return out, sc.Err()
}
