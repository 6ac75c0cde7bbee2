package statsource

// FakeProcStatSource pops one ProcStat per Refresh call from a
// caller-supplied queue, returning the zero value once exhausted.
type FakeProcStatSource struct {
	Stats []ProcStat
	Err   error
	idx   int
}

func (f *FakeProcStatSource) Refresh() (ProcStat, error) {
	if f.Err != nil {
		return ProcStat{}, f.Err
	}
	if f.idx >= len(f.Stats) {
		return ProcStat{}, nil
	}
	v := f.Stats[f.idx]
	f.idx++
	return v, nil
}

// FakeUidIoStatSource pops one []UidIoCounters per Refresh call.
type FakeUidIoStatSource struct {
	Stats [][]UidIoCounters
	Err   error
	idx   int
}

func (f *FakeUidIoStatSource) Refresh() ([]UidIoCounters, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.idx >= len(f.Stats) {
		return nil, nil
	}
	v := f.Stats[f.idx]
	f.idx++
	return v, nil
}

// FakeProcPidStatSource pops one []ProcPidStat per Refresh call.
type FakeProcPidStatSource struct {
	Stats [][]ProcPidStat
	Err   error
	idx   int
}

func (f *FakeProcPidStatSource) Refresh() ([]ProcPidStat, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.idx >= len(f.Stats) {
		return nil, nil
	}
	v := f.Stats[f.idx]
	f.idx++
	return v, nil
}

// FakeDiskStatSource pops one DiskStat per Refresh call.
type FakeDiskStatSource struct {
	Stats []DiskStat
	Err   error
	idx   int
}

func (f *FakeDiskStatSource) Refresh() (DiskStat, error) {
	if f.Err != nil {
		return DiskStat{}, f.Err
	}
	if f.idx >= len(f.Stats) {
		return DiskStat{}, nil
	}
	v := f.Stats[f.idx]
	f.idx++
	return v, nil
}
