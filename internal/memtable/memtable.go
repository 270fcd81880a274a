// Package memtable implements WalnutDB's MemTable: an ordered, in-memory
// map from key bytes to tombstone-tagged values with stable snapshot-range
// iteration.
//
// Built on a skiplist core with an atomic frozen flag and RWMutex-guarded
// mutation, extended with two things a single untyped byte-KV design
// doesn't need: an explicit tombstone tag distinct from a zero-length
// value, and a snapshot_range operation with an after_exclusive cursor for
// paginated scans. WalnutDB's MemTable does not own its own WAL file —
// durability is the shared, group-commit internal/wal.Writer's
// responsibility, applied to the MemTable only after a transaction's WAL
// frames are durable (internal/txn): no MemTable mutation ever precedes WAL
// durability.
package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/walnutdb/walnutdb/internal/errs"
)

// Entry is a MemTable lookup result.
type Entry struct {
	Tombstone bool
	Value     []byte
}

// MemTable is an ordered associative map from key bytes to Entry, safe for
// concurrent readers and writers: every mutation holds the write lock of
// its RWMutex.
type MemTable struct {
	mu     sync.RWMutex
	sl     *skipList
	frozen int32
	size   int64
}

// New returns an empty MemTable.
func New() *MemTable {
	return &MemTable{sl: newSkipList()}
}

// Upsert installs value for key. Returns an *errs.InvalidArgument if the
// MemTable has been frozen for checkpoint.
func (mt *MemTable) Upsert(key, value []byte) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if atomic.LoadInt32(&mt.frozen) == 1 {
		return &errs.InvalidArgument{What: "memtable is frozen"}
	}
	mt.applyLocked(key, value, false)
	return nil
}

// Delete installs a tombstone for key. Returns an *errs.InvalidArgument if
// the MemTable has been frozen for checkpoint.
func (mt *MemTable) Delete(key []byte) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if atomic.LoadInt32(&mt.frozen) == 1 {
		return &errs.InvalidArgument{What: "memtable is frozen"}
	}
	mt.applyLocked(key, nil, true)
	return nil
}

func (mt *MemTable) applyLocked(key, value []byte, tombstone bool) {
	_, existed := mt.sl.get(key)
	mt.sl.put(key, value, tombstone)
	delta := int64(len(key) + len(value))
	if !existed {
		atomic.AddInt64(&mt.size, delta)
	}
}

// TryGet returns the entry for key, or ok=false if key has never been
// written to this MemTable. A tombstone entry is returned with ok=true — the
// caller must check Entry.Tombstone before treating the row as live.
func (mt *MemTable) TryGet(key []byte) (Entry, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	e, ok := mt.sl.get(key)
	if !ok {
		return Entry{}, false
	}
	return Entry{Tombstone: e.tombstone, Value: e.value}, true
}

// HasTombstoneExact reports whether key has an exact tombstone entry in this
// MemTable (used by index maintenance to avoid resurrecting deleted rows
// during validate/sweep scans).
func (mt *MemTable) HasTombstoneExact(key []byte) bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	e, ok := mt.sl.get(key)
	return ok && e.tombstone
}

// Freeze marks the MemTable immutable ahead of a checkpoint flush. Safe to
// call more than once.
func (mt *MemTable) Freeze() {
	atomic.StoreInt32(&mt.frozen, 1)
}

// IsFrozen reports whether Freeze has been called.
func (mt *MemTable) IsFrozen() bool {
	return atomic.LoadInt32(&mt.frozen) == 1
}

// Size returns an estimated byte size: len(key)+len(value) as of the first
// write of each key (a key first written as a tombstone counts only its
// key). Overwrites and deletes of a key already present leave it unchanged.
func (mt *MemTable) Size() int64 {
	return atomic.LoadInt64(&mt.size)
}

// Record is one (key, Entry) pair yielded by SnapshotRange.
type Record struct {
	Key   []byte
	Entry Entry
}

// SnapshotRange copies every record whose key lies in [from, toExclusive)
// (toExclusive == nil means unbounded above) and, if afterExclusive is
// non-nil, strictly greater than afterExclusive — the pagination cursor. The
// copy is taken under the MemTable's RWMutex, so the result is a stable
// snapshot even while concurrent writers continue to mutate the live
// skiplist.
//
// Built on a single forward pointer walk generalized into a bounded,
// copy-on-iterate range read with cursor support.
func (mt *MemTable) SnapshotRange(from, toExclusive []byte, afterExclusive []byte) []Record {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	start := from
	if afterExclusive != nil && bytes.Compare(afterExclusive, start) >= 0 {
		start = afterExclusive
	}

	var out []Record
	curr := mt.sl.floor(start)
	curr = curr.next[0]
	for curr != nil {
		if afterExclusive != nil && bytes.Compare(curr.key, afterExclusive) <= 0 {
			curr = curr.next[0]
			continue
		}
		if toExclusive != nil && bytes.Compare(curr.key, toExclusive) >= 0 {
			break
		}
		out = append(out, Record{
			Key:   copyBytes(curr.key),
			Entry: Entry{Tombstone: curr.tombstone, Value: copyBytes(curr.value)},
		})
		curr = curr.next[0]
	}
	return out
}
