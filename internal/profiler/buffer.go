package profiler

import "time"

// Buffer is a bounded FIFO of ResourceRecords: after K appends the
// buffer holds the min(K, MaxSize) most recent records, in append order.
type Buffer struct {
	MaxSize int
	records []ResourceRecord
}

// NewBuffer creates a Buffer bounded at maxSize.
func NewBuffer(maxSize int) *Buffer {
	return &Buffer{MaxSize: maxSize}
}

// Append adds a record, evicting the oldest entry if the buffer is full.
func (b *Buffer) Append(r ResourceRecord) {
	b.records = append(b.records, r)
	if len(b.records) > b.MaxSize {
		b.records = b.records[len(b.records)-b.MaxSize:]
	}
}

// Records returns the current contents, oldest first.
func (b *Buffer) Records() []ResourceRecord {
	out := make([]ResourceRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Newest returns the most recently appended record, if any.
func (b *Buffer) Newest() (ResourceRecord, bool) {
	if len(b.records) == 0 {
		return ResourceRecord{}, false
	}
	return b.records[len(b.records)-1], true
}

// Clear empties the buffer, used by customCollectionDump(-1).
func (b *Buffer) Clear() {
	b.records = nil
}

// UserSwitchKey identifies one user-switch event pairing.
type UserSwitchKey struct {
	From, To int32
}

// UserSwitchBuffer is one {from,to} pairing's collection buffer plus the
// time its newest record was appended, for cache-duration eviction.
type UserSwitchBuffer struct {
	Key          UserSwitchKey
	Buffer       *Buffer
	LastAppendMs int64
}

// UserSwitchBuffers holds up to MaxEvents UserSwitchBuffer entries,
// evicting the oldest by insertion order (FIFO) when a new {from,to}
// pairing would exceed the configured maximum.
type UserSwitchBuffers struct {
	MaxEvents int
	order     []UserSwitchKey
	byKey     map[UserSwitchKey]*UserSwitchBuffer
}

// NewUserSwitchBuffers creates an empty collection bounded at maxEvents.
func NewUserSwitchBuffers(maxEvents int) *UserSwitchBuffers {
	return &UserSwitchBuffers{MaxEvents: maxEvents, byKey: make(map[UserSwitchKey]*UserSwitchBuffer)}
}

// Append records r under key, opening a new buffer (and evicting the
// oldest if the collection is full) if key has not been seen, or
// appending to the existing buffer for key otherwise.
func (u *UserSwitchBuffers) Append(key UserSwitchKey, r ResourceRecord, nowMs int64) {
	entry, ok := u.byKey[key]
	if !ok {
		if len(u.order) >= u.MaxEvents && len(u.order) > 0 {
			oldest := u.order[0]
			u.order = u.order[1:]
			delete(u.byKey, oldest)
		}
		entry = &UserSwitchBuffer{Key: key, Buffer: NewBuffer(maxUserSwitchRecordsPerPair)}
		u.byKey[key] = entry
		u.order = append(u.order, key)
	}
	entry.Buffer.Append(r)
	entry.LastAppendMs = nowMs
}

// maxUserSwitchRecordsPerPair bounds each individual {from,to} buffer;
// the eviction rule in spec.md §3/§8 property 8 bounds the number of
// distinct pairings, not the records within one.
const maxUserSwitchRecordsPerPair = 64

// Entries returns every currently tracked {from,to} buffer, oldest
// insertion first.
func (u *UserSwitchBuffers) Entries() []*UserSwitchBuffer {
	out := make([]*UserSwitchBuffer, 0, len(u.order))
	for _, k := range u.order {
		out = append(out, u.byKey[k])
	}
	return out
}

// EvictStale removes the oldest user-switch buffer if its newest record
// predates nowMs - cacheDuration, mirroring the boot-time/wake-up
// go-cache TTL behavior for this FIFO-backed collection.
func (u *UserSwitchBuffers) EvictStale(nowMs int64, cacheDuration time.Duration) {
	if len(u.order) == 0 {
		return
	}
	oldestKey := u.order[0]
	entry := u.byKey[oldestKey]
	if entry == nil {
		return
	}
	if nowMs-entry.LastAppendMs > cacheDuration.Milliseconds() {
		u.order = u.order[1:]
		delete(u.byKey, oldestKey)
	}
}
