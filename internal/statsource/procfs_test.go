package statsource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcFSProcStatSourceParsesAggregateLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stat")
	content := "cpu  100 10 50 800 20 0 0 0 0 0\nprocs_running 3\nprocs_blocked 1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := &ProcFSProcStatSource{Path: path}
	stat, err := s.Refresh()
	require.NoError(t, err)
	require.Equal(t, int64(1100), stat.Total.UserMs) // (100+10) ticks * 1000/100
	require.Equal(t, int64(500), stat.Total.SystemMs)
	require.Equal(t, int64(8000), stat.Total.IdleMs)
	require.Equal(t, 3, stat.RunnableCount)
	require.Equal(t, 1, stat.IoBlockedCount)
}

func TestProcFSDiskStatSourceSumsSectors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diskstats")
	content := "   8       0 sda 10 0 100 5 20 0 200 10 0 15 15\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := &ProcFSDiskStatSource{Path: path}
	stat, err := s.Refresh()
	require.NoError(t, err)
	require.Equal(t, int64(100*512), stat.ReadBytes)
	require.Equal(t, int64(200*512), stat.WriteBytes)
}

func TestProcFSProcStatSourceMissingFile(t *testing.T) {
	s := &ProcFSProcStatSource{Path: "/nonexistent/stat"}
	_, err := s.Refresh()
	require.Error(t, err)
}
