package perfservice

import (
	"sync"

	"github.com/carplatform/vhalguard/internal/profiler"
)

// DumpProcessor is the processor that answers OnDump/OnDumpProto for
// real: it mirrors every custom-collection record into its own slice and
// renders both the human-readable and structured dump formats spec.md
// §4.9 names from that slice, cleared on OnCustomCollectionDump.
type DumpProcessor struct {
	BaseProcessor

	mu      sync.Mutex
	records []profiler.ResourceRecord
}

// NewDumpProcessor creates an empty DumpProcessor.
func NewDumpProcessor() *DumpProcessor {
	return &DumpProcessor{}
}

func (d *DumpProcessor) OnCustomCollection(rec profiler.ResourceRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
}

func (d *DumpProcessor) OnCustomCollectionDump(maxDurationSec int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = nil
}

// OnDump renders the same ascii-table format formatReport does, from
// this processor's own mirrored records rather than the service buffer.
func (d *DumpProcessor) OnDump() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return formatReport(d.records)
}

// OnDumpProto returns a defensive copy of the mirrored records: the
// "protobuf-like structured dump" spec.md §4.9 describes is, in this
// tree, the ResourceRecord slice itself.
func (d *DumpProcessor) OnDumpProto() []profiler.ResourceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]profiler.ResourceRecord, len(d.records))
	copy(out, d.records)
	return out
}
