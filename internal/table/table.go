// Package table implements WalnutDB's Table: primary-key CRUD, secondary
// index maintenance (including the unique-value reservation/validate/sweep
// protocol), and paginated range/index scans built on the merge reader.
//
// Built on an index-registry-by-name shape over internal/memtable +
// internal/sstable for the underlying read path; the transaction staging
// itself is internal/txn, shared across a primary table and its index
// tables so a row write and its index maintenance commit atomically.
package table

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/walnutdb/walnutdb/internal/codec"
	"github.com/walnutdb/walnutdb/internal/config"
	"github.com/walnutdb/walnutdb/internal/errs"
	"github.com/walnutdb/walnutdb/internal/guard"
	"github.com/walnutdb/walnutdb/internal/manifest"
	"github.com/walnutdb/walnutdb/internal/memtable"
	"github.com/walnutdb/walnutdb/internal/merge"
	"github.com/walnutdb/walnutdb/internal/sstable"
	"github.com/walnutdb/walnutdb/internal/txn"
)

// IndexDef describes one declared secondary index.
type IndexDef struct {
	Name   string
	Attr   codec.Kind
	Unique bool
	Scale  *int // required iff Attr == codec.KindDecimal
}

// Entry is one surfaced (key, value) pair from a scan. For a primary scan,
// Key is the primary key and Value the caller's original row bytes. For an
// index scan, Key is the primary key the composite index entry resolved to
// and Value is that row's bytes, fetched fresh from the primary table.
type Entry struct {
	Key   []byte
	Value []byte
}

// Table is one table's MemTable, its SST set (tracked via the shared
// manifest), and — if it declares secondary indexes — the reserved-name
// Tables backing them.
type Table struct {
	name     string
	dataDir  string
	opts     config.Options
	store    *manifest.Store
	guardReg *guard.Registry
	pipeline *txn.Pipeline
	sstCache *sstCache

	mu          sync.RWMutex
	mem         *memtable.MemTable // active; receives all new writes
	frozen      *memtable.MemTable // non-nil only while a checkpoint flush is in flight
	indexes     map[string]IndexDef
	indexTables map[string]*Table
}

// New constructs a table backed by an empty MemTable. The caller (the
// top-level Database) is responsible for replaying the WAL into it and for
// wiring in any secondary index tables via CreateIndex.
func New(name, dataDir string, opts config.Options, store *manifest.Store, guardReg *guard.Registry, pipeline *txn.Pipeline) *Table {
	return &Table{
		name:        name,
		dataDir:     dataDir,
		opts:        opts.WithDefaults(),
		mem:         memtable.New(),
		store:       store,
		guardReg:    guardReg,
		pipeline:    pipeline,
		sstCache:    newSSTCache(),
		indexes:     map[string]IndexDef{},
		indexTables: map[string]*Table{},
	}
}

// Name returns the table's name, also its WAL table identifier and its
// manifest key.
func (t *Table) Name() string { return t.name }

// indexTableSep separates a parent table's name from an index name in a
// reserved secondary-index table name. A literal table name may never
// contain it — CreateTable rejects any name containing the separator as
// colliding with the reserved pattern.
const indexTableSep = "$idx$"

// IndexTableName returns the reserved table name backing index on table.
func IndexTableName(table, index string) string {
	return table + indexTableSep + index
}

// IsReservedIndexTableName reports whether name is a reserved secondary-index
// table name (contains the index-table separator), as opposed to a table a
// caller could legally declare via CreateTable.
func IsReservedIndexTableName(name string) bool {
	return bytes.Contains([]byte(name), []byte(indexTableSep))
}

// MemTable exposes the live, active MemTable for WAL replay (direct apply,
// bypassing the transaction pipeline).
func (t *Table) MemTable() *memtable.MemTable { return t.activeMem() }

func (t *Table) activeMem() *memtable.MemTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mem
}

// FreezeForCheckpoint atomically swaps the active MemTable for a fresh one,
// so new writes keep landing while the returned snapshot is flushed to an
// SST. Returns nil if the active MemTable is empty — nothing to flush.
func (t *Table) FreezeForCheckpoint() *memtable.MemTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem.Size() == 0 {
		return nil
	}
	t.mem.Freeze()
	frozen := t.mem
	t.frozen = frozen
	t.mem = memtable.New()
	return frozen
}

// ClearFrozen drops the frozen MemTable once its flush has been durably
// registered in the manifest — reads no longer need to consult it.
func (t *Table) ClearFrozen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = nil
}

// CreateIndex registers a secondary index, backed by the given reserved-name
// Table (its composite keys are this index's entries).
func (t *Table) CreateIndex(def IndexDef, indexTable *Table) error {
	if def.Attr == codec.KindDecimal && def.Scale == nil {
		return &errs.ConfigRequired{What: "decimal index requires a declared scale"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.indexes[def.Name]; exists {
		return &errs.InvalidArgument{What: "index " + def.Name + " already exists on table " + t.name}
	}
	t.indexes[def.Name] = def
	t.indexTables[def.Name] = indexTable
	return nil
}

// IndexNames returns every secondary index declared on this table.
func (t *Table) IndexNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.indexes))
	for n := range t.indexes {
		names = append(names, n)
	}
	return names
}

func (t *Table) indexDef(name string) (IndexDef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.indexes[name]
	return d, ok
}

func (t *Table) indexTable(name string) *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexTables[name]
}

// liveSSTReaders opens (from cache) every SST currently named by the
// manifest for this table, newest first.
func (t *Table) liveSSTReaders() ([]*sstable.Reader, error) {
	m := t.store.Current()
	paths := m.SSTPaths(t.dataDir, t.name)
	return t.sstCache.get(paths)
}

// getRaw returns this table's stored bytes for pk — the active MemTable if
// present, else the frozen one (checkpoint in flight), else the newest SST
// that has it. A tombstone at any MemTable tier means absent.
func (t *Table) getRaw(pk []byte) ([]byte, bool, error) {
	t.mu.RLock()
	mem, frozen := t.mem, t.frozen
	t.mu.RUnlock()

	if e, ok := mem.TryGet(pk); ok {
		if e.Tombstone {
			return nil, false, nil
		}
		return e.Value, true, nil
	}
	if frozen != nil {
		if e, ok := frozen.TryGet(pk); ok {
			if e.Tombstone {
				return nil, false, nil
			}
			return e.Value, true, nil
		}
	}
	readers, err := t.liveSSTReaders()
	if err != nil {
		return nil, false, err
	}
	for _, r := range readers {
		v, tomb, ok, err := r.TryGet(pk)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if tomb {
				return nil, false, nil
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Get returns pk's row bytes, as originally supplied to Upsert.
func (t *Table) Get(pk []byte) ([]byte, bool, error) {
	raw, ok, err := t.getRaw(pk)
	if err != nil || !ok {
		return nil, ok, err
	}
	row, _, err := decodeEnvelope(raw)
	if err != nil {
		return nil, false, err
	}
	row, err = t.opts.PayloadCodec.Decode(t.name, pk, row)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (t *Table) newRawReader(from, toExclusive, afterExclusive []byte, pageSize int) (*merge.Reader, error) {
	t.mu.RLock()
	mem, frozen := t.mem, t.frozen
	t.mu.RUnlock()

	snap := mem.SnapshotRange(from, toExclusive, afterExclusive)
	if frozen != nil {
		snap = mergeMemSnapshots(snap, frozen.SnapshotRange(from, toExclusive, afterExclusive))
	}
	readers, err := t.liveSSTReaders()
	if err != nil {
		return nil, err
	}
	return merge.NewReader(snap, readers, from, toExclusive, afterExclusive, pageSize), nil
}

// mergeMemSnapshots merges two ascending, key-unique MemTable snapshots into
// one, active entries winning over frozen entries on a shared key — the
// same precedence getRaw gives the active MemTable over the frozen one.
func mergeMemSnapshots(active, frozen []memtable.Record) []memtable.Record {
	out := make([]memtable.Record, 0, len(active)+len(frozen))
	i, j := 0, 0
	for i < len(active) && j < len(frozen) {
		switch bytes.Compare(active[i].Key, frozen[j].Key) {
		case 0:
			out = append(out, active[i])
			i++
			j++
		case -1:
			out = append(out, active[i])
			i++
		default:
			out = append(out, frozen[j])
			j++
		}
	}
	out = append(out, active[i:]...)
	out = append(out, frozen[j:]...)
	return out
}

func drainAll(ctx context.Context, r *merge.Reader) ([]merge.Entry, error) {
	var all []merge.Entry
	for {
		page, _, hasMore, err := r.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if !hasMore {
			break
		}
	}
	return all, nil
}

// Upsert encodes and stores value under pk, maintaining every declared
// index: for unique indexes, reserving and validating the new value prefix
// before anything is staged and sweeping stale entries under it while
// staging, then committing the primary row
// and every index mutation as one atomic transaction. indexValues supplies
// the encoded attribute for each index this row participates in; an index
// with no entry in indexValues is treated as not applicable to this row (no
// index entry maintained for it).
func (t *Table) Upsert(ctx context.Context, pk, value []byte, indexValues map[string]codec.Scalar) error {
	oldRaw, hadOld, err := t.getRaw(pk)
	if err != nil {
		return err
	}
	oldPrefixes := map[string][]byte{}
	if hadOld {
		_, oldPrefixes, err = decodeEnvelope(oldRaw)
		if err != nil {
			return err
		}
	}

	newPrefixes := map[string][]byte{}
	for name, scalar := range indexValues {
		if _, ok := t.indexDef(name); !ok {
			return &errs.IndexNotFound{Table: t.name, Index: name}
		}
		enc, err := codec.Encode(scalar)
		if err != nil {
			return err
		}
		newPrefixes[name] = enc
	}

	tx := t.pipeline.Begin(config.DurabilitySafe)
	pkStr := string(pk)

	// Reservation loop for unique indexes. Each successful reservation
	// registers its own release as a rollback step,
	// so any failure from here through validation can be undone with a
	// single tx.Abort() rather than hand-rolled bookkeeping.
	var reservedIndexes []string
	for name, prefix := range newPrefixes {
		def, _ := t.indexDef(name)
		if !def.Unique {
			continue
		}
		if ctx.Err() != nil {
			tx.Abort()
			return &errs.Cancelled{Op: "unique reservation"}
		}
		deadline := time.Now().Add(t.opts.UniqueBackoffBudget)
		ok := false
		for {
			if t.guardReg.TryReserve(name, prefix, pkStr) {
				ok = true
				break
			}
			if time.Now().After(deadline) {
				break
			}
			if ctx.Err() != nil {
				tx.Abort()
				return &errs.Cancelled{Op: "unique reservation"}
			}
			time.Sleep(time.Millisecond)
		}
		if !ok {
			tx.Abort()
			return &errs.UniqueViolation{Index: name, Key: pkStr}
		}
		nameCopy, prefixCopy := name, prefix
		tx.AddRollback(func() { t.guardReg.Release(nameCopy, prefixCopy, pkStr) })
		reservedIndexes = append(reservedIndexes, name)
	}

	// Validate: no other primary key may already own a composite entry
	// under this prefix.
	for _, name := range reservedIndexes {
		prefix := newPrefixes[name]
		idxTable := t.indexTable(name)
		upper := codec.PrefixUpperBound(prefix)
		reader, err := idxTable.newRawReader(prefix, upper, nil, t.pageSizeOrDefault())
		if err != nil {
			tx.Abort()
			return err
		}
		entries, err := drainAll(ctx, reader)
		if err != nil {
			tx.Abort()
			return err
		}
		for _, e := range entries {
			otherPK, err := codec.ExtractPrimaryKey(e.Key)
			if err != nil {
				tx.Abort()
				return err
			}
			if !bytes.Equal(otherPK, pk) {
				tx.Abort()
				return &errs.UniqueViolation{Index: name, Key: string(otherPK)}
			}
		}
	}

	// Stage index maintenance.
	for name, newPrefix := range newPrefixes {
		idxTable := t.indexTable(name)
		def, _ := t.indexDef(name)

		if oldPrefix, had := oldPrefixes[name]; had && !bytes.Equal(oldPrefix, newPrefix) {
			oldKey, err := codec.ComposeIndexEntryKey(oldPrefix, pk)
			if err != nil {
				tx.Abort()
				return err
			}
			tx.AddDelete(idxTable.name, oldKey)
			tx.AddApply(func() error { return idxTable.activeMem().Delete(oldKey) })
			if def.Unique {
				opStr := name
				op := oldPrefix
				tx.AddApply(func() error { t.guardReg.Release(opStr, op, pkStr); return nil })
			}
		}

		newKey, err := codec.ComposeIndexEntryKey(newPrefix, pk)
		if err != nil {
			tx.Abort()
			return err
		}
		tx.AddPut(idxTable.name, newKey, nil)
		tx.AddApply(func() error { return idxTable.activeMem().Upsert(newKey, []byte{}) })

		if def.Unique {
			upper := codec.PrefixUpperBound(newPrefix)
			reader, err := idxTable.newRawReader(newPrefix, upper, nil, t.pageSizeOrDefault())
			if err != nil {
				tx.Abort()
				return err
			}
			entries, err := drainAll(ctx, reader)
			if err != nil {
				tx.Abort()
				return err
			}
			for _, e := range entries {
				otherPK, err := codec.ExtractPrimaryKey(e.Key)
				if err != nil {
					tx.Abort()
					return err
				}
				if bytes.Equal(otherPK, pk) {
					continue
				}
				staleKey := e.Key
				tx.AddDelete(idxTable.name, staleKey)
				tx.AddApply(func() error { return idxTable.activeMem().Delete(staleKey) })
			}
		}
	}

	encodedValue, err := t.opts.PayloadCodec.Encode(t.name, pk, value)
	if err != nil {
		tx.Abort()
		return err
	}
	envelope := encodeEnvelope(encodedValue, newPrefixes)
	tx.AddPut(t.name, pk, envelope)
	tx.AddApply(func() error { return t.activeMem().Upsert(pk, envelope) })

	return tx.Commit()
}

func (t *Table) pageSizeOrDefault() int {
	if t.opts.PageSize > 0 {
		return t.opts.PageSize
	}
	return 1024
}

// Delete removes pk and every index entry it owns. Returns false if pk was
// never present (or already deleted).
func (t *Table) Delete(pk []byte) (bool, error) {
	oldRaw, hadOld, err := t.getRaw(pk)
	if err != nil || !hadOld {
		return false, err
	}
	_, oldPrefixes, err := decodeEnvelope(oldRaw)
	if err != nil {
		return false, err
	}

	tx := t.pipeline.Begin(config.DurabilitySafe)
	pkStr := string(pk)
	for name, oldPrefix := range oldPrefixes {
		idxTable := t.indexTable(name)
		if idxTable == nil {
			continue
		}
		key, err := codec.ComposeIndexEntryKey(oldPrefix, pk)
		if err != nil {
			return false, err
		}
		tx.AddDelete(idxTable.name, key)
		tx.AddApply(func() error { return idxTable.activeMem().Delete(key) })

		if def, ok := t.indexDef(name); ok && def.Unique {
			nameCopy, prefixCopy := name, oldPrefix
			tx.AddApply(func() error { t.guardReg.Release(nameCopy, prefixCopy, pkStr); return nil })
		}
	}

	tx.AddDelete(t.name, pk)
	tx.AddApply(func() error { return t.activeMem().Delete(pk) })

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// PrimaryScanner pages through a primary-key range, decoding each row's
// envelope back to the caller's original bytes.
type PrimaryScanner struct {
	r     *merge.Reader
	table *Table
}

// NewPrimaryScanner opens a paginated scan over [from, toExclusive), resuming
// strictly after afterExclusive if given.
func (t *Table) NewPrimaryScanner(from, toExclusive, afterExclusive []byte, pageSize int) (*PrimaryScanner, error) {
	r, err := t.newRawReader(from, toExclusive, afterExclusive, pageSize)
	if err != nil {
		return nil, err
	}
	return &PrimaryScanner{r: r, table: t}, nil
}

// NextPage returns the scan's next page, the exclusive continuation cursor,
// and whether further pages remain.
func (s *PrimaryScanner) NextPage(ctx context.Context) ([]Entry, []byte, bool, error) {
	page, cursor, hasMore, err := s.r.NextPage(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	out := make([]Entry, len(page))
	for i, e := range page {
		row, _, err := decodeEnvelope(e.Value)
		if err != nil {
			return nil, nil, false, err
		}
		row, err = s.table.opts.PayloadCodec.Decode(s.table.name, e.Key, row)
		if err != nil {
			return nil, nil, false, err
		}
		out[i] = Entry{Key: e.Key, Value: row}
	}
	return out, cursor, hasMore, nil
}

// IndexScanner pages through a secondary index's composite-key range,
// resolving each surviving entry to its primary row. Index scans never
// deduplicate by value prefix — every live composite key resolves to one
// emitted row.
type IndexScanner struct {
	r       *merge.Reader
	primary *Table
}

// NewIndexScanner opens a paginated scan over indexName's composite-key
// range [fromPrefix, toPrefixExclusive).
func (t *Table) NewIndexScanner(indexName string, fromPrefix, toPrefixExclusive, afterExclusive []byte, pageSize int) (*IndexScanner, error) {
	idxTable := t.indexTable(indexName)
	if idxTable == nil {
		return nil, &errs.IndexNotFound{Table: t.name, Index: indexName}
	}
	r, err := idxTable.newRawReader(fromPrefix, toPrefixExclusive, afterExclusive, pageSize)
	if err != nil {
		return nil, err
	}
	return &IndexScanner{r: r, primary: t}, nil
}

// NextPage returns the scan's next page of resolved primary rows. A
// composite entry whose primary row has since been tombstoned in the
// MemTable (not yet swept from the index) is silently skipped rather than
// resurrected.
func (s *IndexScanner) NextPage(ctx context.Context) ([]Entry, []byte, bool, error) {
	page, cursor, hasMore, err := s.r.NextPage(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	out := make([]Entry, 0, len(page))
	for _, e := range page {
		pk, err := codec.ExtractPrimaryKey(e.Key)
		if err != nil {
			return nil, nil, false, err
		}
		raw, ok, err := s.primary.getRaw(pk)
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			continue
		}
		row, _, err := decodeEnvelope(raw)
		if err != nil {
			return nil, nil, false, err
		}
		row, err = s.primary.opts.PayloadCodec.Decode(s.primary.name, pk, row)
		if err != nil {
			return nil, nil, false, err
		}
		out = append(out, Entry{Key: pk, Value: row})
	}
	return out, cursor, hasMore, nil
}

// pager is satisfied by both PrimaryScanner and IndexScanner, letting
// ScanDesc work over either.
type pager interface {
	NextPage(ctx context.Context) ([]Entry, []byte, bool, error)
}

// ScanDesc drains p in ascending order into a ring buffer of size skip+take
// and emits it reversed. Bounded memory: at most skip+take entries are ever
// held at once.
func ScanDesc(ctx context.Context, p pager, skip, take int) ([]Entry, error) {
	if take <= 0 {
		return nil, nil
	}
	rb := newRingBuffer(skip + take)
	for {
		page, _, hasMore, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			rb.push(e)
		}
		if !hasMore {
			break
		}
	}
	all := rb.emitReversed()
	if skip >= len(all) {
		return nil, nil
	}
	end := len(all)
	if skip+take < end {
		end = skip + take
	}
	return all[skip:end], nil
}

type ringBuffer struct {
	buf  []Entry
	size int
}

func newRingBuffer(size int) *ringBuffer {
	if size < 1 {
		size = 1
	}
	return &ringBuffer{size: size}
}

func (r *ringBuffer) push(e Entry) {
	r.buf = append(r.buf, e)
	if len(r.buf) > r.size {
		r.buf = r.buf[1:]
	}
}

func (r *ringBuffer) emitReversed() []Entry {
	out := make([]Entry, len(r.buf))
	for i, e := range r.buf {
		out[len(r.buf)-1-i] = e
	}
	return out
}

// Close releases cached SST file handles.
func (t *Table) Close() {
	t.sstCache.closeAll()
}
