// Package merge implements WalnutDB's merge reader: the component that
// unifies one MemTable snapshot with a table's SST files (already ordered
// newest to oldest by the manifest) into a single tombstone-masked,
// paginated stream.
//
// Built as a newest-wins k-way merge generalized to fold in a MemTable
// snapshot as an always-highest-precedence source and to mask tombstones at
// the point of emission rather than leaving it to the caller.
package merge

import (
	"bytes"
	"context"
	"runtime"

	"github.com/walnutdb/walnutdb/internal/errs"
	"github.com/walnutdb/walnutdb/internal/memtable"
	"github.com/walnutdb/walnutdb/internal/sstable"
)

// Entry is one surfaced (key, value) pair. Tombstones are never surfaced —
// the merge reader's entire job is to mask them.
type Entry struct {
	Key   []byte
	Value []byte
}

// sstMerge folds one or more SST range iterators (newest first) into a
// single cursor, newest-source-wins on duplicate keys.
type sstMerge struct {
	iters []*sstable.RangeIterator
	key   []byte
	value []byte
	tomb  bool
	valid bool
}

func newSSTMerge(readers []*sstable.Reader, from, toExclusive []byte) *sstMerge {
	iters := make([]*sstable.RangeIterator, 0, len(readers))
	for _, r := range readers {
		if r == nil {
			continue
		}
		it := r.ScanRange(from, toExclusive)
		if it.Next() {
			iters = append(iters, it)
		}
	}
	sm := &sstMerge{iters: iters}
	sm.advance()
	return sm
}

func (sm *sstMerge) advance() {
	live := sm.iters[:0]
	for _, it := range sm.iters {
		if it.Key() != nil {
			live = append(live, it)
		}
	}
	sm.iters = live
	if len(sm.iters) == 0 {
		sm.valid = false
		return
	}

	var minKey []byte
	for _, it := range sm.iters {
		if minKey == nil || bytes.Compare(it.Key(), minKey) < 0 {
			minKey = it.Key()
		}
	}
	winner := -1
	var value []byte
	var tomb bool
	for i, it := range sm.iters {
		if bytes.Equal(it.Key(), minKey) {
			if winner == -1 {
				winner = i
				// Capture before Next() overwrites the iterator's cached
				// fields with its following record.
				value = it.Value()
				tomb = it.Tombstone()
			}
			it.Next()
		}
	}
	sm.key = minKey
	sm.value = value
	sm.tomb = tomb
	sm.valid = true
}

// Reader merges a MemTable snapshot (already range/cursor-filtered by the
// caller) with a table's SST set over the same range, applying the
// two-cursor precedence algorithm: equal keys are decided by the MemTable,
// tombstones (from either side) are masked rather than surfaced.
type Reader struct {
	mem      []memtable.Record
	memIdx   int
	sst      *sstMerge
	after    []byte // exclusive cursor; nil means no additional filtering
	pageSize int
}

// NewReader builds a merge reader. mem must already be sorted ascending and
// restricted to the caller's [from, toExclusive) and afterExclusive cursor
// (memtable.MemTable.SnapshotRange does this). sstReaders must be ordered
// newest to oldest (the manifest's own order). pageSize <= 0 defaults to 1.
func NewReader(mem []memtable.Record, sstReaders []*sstable.Reader, from, toExclusive, afterExclusive []byte, pageSize int) *Reader {
	if pageSize <= 0 {
		pageSize = 1
	}
	return &Reader{
		mem:      mem,
		sst:      newSSTMerge(sstReaders, from, toExclusive),
		after:    afterExclusive,
		pageSize: pageSize,
	}
}

func (r *Reader) peekMem() ([]byte, bool) {
	if r.memIdx >= len(r.mem) {
		return nil, false
	}
	return r.mem[r.memIdx].Key, true
}

// step performs one iteration of the two-cursor merge algorithm, returning
// the next surfaced entry (skipping tombstones on either side) or false once
// both sources are exhausted.
func (r *Reader) step() (Entry, bool) {
	for {
		mKey, mOk := r.peekMem()
		sOk := r.sst.valid

		if !mOk && !sOk {
			return Entry{}, false
		}

		var e Entry
		var tomb bool
		var cmp int
		if mOk && sOk {
			cmp = bytes.Compare(mKey, r.sst.key)
		}

		switch {
		case mOk && (!sOk || cmp <= 0):
			rec := r.mem[r.memIdx]
			r.memIdx++
			if sOk && cmp == 0 {
				r.sst.advance()
			}
			e = Entry{Key: rec.Key, Value: rec.Entry.Value}
			tomb = rec.Entry.Tombstone
		default:
			e = Entry{Key: r.sst.key, Value: r.sst.value}
			tomb = r.sst.tomb
			r.sst.advance()
		}

		if r.after != nil && bytes.Compare(e.Key, r.after) <= 0 {
			continue
		}
		if tomb {
			continue
		}
		return e, true
	}
}

// NextPage returns up to pageSize entries, the exclusive cursor to resume
// after them, and whether more records remain. Cancellation is checked only
// at the page boundary (before starting a new page), per the scan's
// cooperative-cancellation contract — a page already in progress always
// completes.
func (r *Reader) NextPage(ctx context.Context) (page []Entry, nextCursor []byte, hasMore bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, false, &errs.Cancelled{Op: "merge scan page"}
	}

	page = make([]Entry, 0, r.pageSize)
	for len(page) < r.pageSize {
		e, ok := r.step()
		if !ok {
			break
		}
		page = append(page, e)
	}

	if len(page) > 0 {
		nextCursor = page[len(page)-1].Key
	}
	hasMore = r.memIdx < len(r.mem) || r.sst.valid

	// Yield to the scheduler between pages so a long scan doesn't starve
	// other goroutines sharing the same OS thread.
	runtime.Gosched()
	return page, nextCursor, hasMore, nil
}
