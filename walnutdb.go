// Package walnutdb is the top-level embedded storage engine: it owns one
// data directory's WAL, manifest, and schema sidecar, and hands out the
// internal/table.Table instances that do the actual row and index work.
//
// Built as a thin façade gluing together five already-built layers:
// internal/wal, internal/manifest, internal/txn, internal/guard, and
// internal/table — a named-table, named-index schema that survives a
// restart via its own sidecar file, since neither the WAL nor the manifest
// carries enough on its own to reconstruct which indexes are unique or
// what attribute kind they encode.
package walnutdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walnutdb/walnutdb/internal/codec"
	"github.com/walnutdb/walnutdb/internal/config"
	"github.com/walnutdb/walnutdb/internal/errs"
	"github.com/walnutdb/walnutdb/internal/guard"
	"github.com/walnutdb/walnutdb/internal/manifest"
	"github.com/walnutdb/walnutdb/internal/memtable"
	"github.com/walnutdb/walnutdb/internal/merge"
	"github.com/walnutdb/walnutdb/internal/sstable"
	"github.com/walnutdb/walnutdb/internal/table"
	"github.com/walnutdb/walnutdb/internal/txn"
	"github.com/walnutdb/walnutdb/internal/wal"
)

const (
	walFileName    = "wal.log"
	schemaFileName = "SCHEMA"
)

// indexSchema is the persisted shape of one secondary index declaration —
// exactly the bits internal/table.IndexDef carries that can't be recovered
// from the manifest's reserved-name table list alone.
type indexSchema struct {
	Name   string     `json:"name"`
	Attr   codec.Kind `json:"attr"`
	Unique bool       `json:"unique"`
	Scale  *int       `json:"scale,omitempty"`
}

type tableSchema struct {
	PrimaryKeyKind codec.Kind    `json:"primaryKeyKind"`
	Indexes        []indexSchema `json:"indexes,omitempty"`
}

// schemaFile is the SCHEMA sidecar: table and index declarations, persisted
// via the same temp-file-plus-rename protocol internal/manifest uses for
// CURRENT/MANIFEST-*.
type schemaFile struct {
	Tables map[string]tableSchema `json:"tables"`
}

func emptySchema() schemaFile {
	return schemaFile{Tables: map[string]tableSchema{}}
}

func loadSchema(dir string) (schemaFile, error) {
	sf := emptySchema()
	data, err := os.ReadFile(filepath.Join(dir, schemaFileName))
	if os.IsNotExist(err) {
		return sf, nil
	}
	if err != nil {
		return sf, &errs.IoFailure{Op: "read schema file", Err: err}
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("parse schema file: %w", err)
	}
	if sf.Tables == nil {
		sf.Tables = map[string]tableSchema{}
	}
	return sf, nil
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by rename and a directory fsync, mirroring
// internal/manifest.writeAtomic's update protocol.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return &errs.IoFailure{Op: "create temp file", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &errs.IoFailure{Op: "write temp file", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &errs.IoFailure{Op: "sync temp file", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &errs.IoFailure{Op: "close temp file", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &errs.IoFailure{Op: "rename file", Err: err}
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return &errs.IoFailure{Op: "open directory for sync", Err: err}
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return &errs.IoFailure{Op: "sync directory", Err: err}
	}
	return nil
}

// Database is one open data directory: its WAL writer, its manifest store,
// its unique-value guard, and every live table (primary and reserved-name
// index tables alike), keyed by name.
type Database struct {
	dir  string
	opts config.Options

	store    *manifest.Store
	guardReg *guard.Registry
	w        *wal.Writer
	pipe     *txn.Pipeline

	mu     sync.RWMutex
	tables map[string]*table.Table
	schema schemaFile

	sstSeq uint64
}

// Open loads (or initializes) the data directory at dir: the schema
// sidecar, the manifest's live SST set, and the WAL. Recovery order matters
// here because internal/wal.Open appends to the file it's given — the WAL
// must be scanned and any torn tail truncated before the group-commit
// writer ever touches it, not after.
func Open(dir string, opts config.Options) (*Database, error) {
	opts = opts.WithDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errs.IoFailure{Op: "create data directory", Err: err}
	}

	schema, err := loadSchema(dir)
	if err != nil {
		return nil, err
	}

	store, err := manifest.Open(dir)
	if err != nil {
		return nil, err
	}

	walPath := filepath.Join(dir, walFileName)
	var replay []wal.FrameRecord
	scanResult, err := wal.Scan(walPath, func(fr wal.FrameRecord) {
		replay = append(replay, fr)
	})
	if err != nil {
		return nil, err
	}
	if scanResult.NeedsTruncation {
		if err := wal.Truncate(walPath, scanResult.LastGoodOffset); err != nil {
			return nil, err
		}
		opts.Logger.Warnw("wal tail truncated during recovery",
			"path", walPath, "truncatedAtOffset", scanResult.LastGoodOffset)
	}

	w, err := wal.Open(walPath, opts)
	if err != nil {
		return nil, err
	}

	db := &Database{
		dir:      dir,
		opts:     opts,
		store:    store,
		guardReg: guard.New(),
		w:        w,
		pipe:     txn.NewPipeline(w, opts.Logger),
		tables:   map[string]*table.Table{},
		schema:   schema,
		// Clock-seeded so this session's SST names never reuse (and
		// truncate) one an earlier session already put in the manifest.
		sstSeq: uint64(time.Now().UnixNano()),
	}
	db.rebuildTables()
	for _, fr := range replay {
		db.applyReplayedFrame(fr)
	}
	return db, nil
}

// rebuildTables constructs every table.Table the schema sidecar names —
// primary tables first, then each one's reserved-name index tables, wiring
// each index back onto its parent via CreateIndex exactly as a live
// CreateIndex call would.
func (db *Database) rebuildTables() {
	for name, ts := range db.schema.Tables {
		tbl := table.New(name, db.dir, db.opts, db.store, db.guardReg, db.pipe)
		db.tables[name] = tbl
		for _, is := range ts.Indexes {
			idxTableName := table.IndexTableName(name, is.Name)
			idxTbl := table.New(idxTableName, db.dir, db.opts, db.store, db.guardReg, db.pipe)
			db.tables[idxTableName] = idxTbl
			def := table.IndexDef{Name: is.Name, Attr: is.Attr, Unique: is.Unique, Scale: is.Scale}
			if err := tbl.CreateIndex(def, idxTbl); err != nil {
				db.opts.Logger.Errorw("failed to rewire index from schema file",
					"table", name, "index", is.Name, "error", err)
			}
		}
	}
}

// applyReplayedFrame applies one committed WAL frame directly to the
// relevant table's active MemTable, bypassing the transaction pipeline
// entirely (the frame is already durable — there is nothing left to stage).
// A frame naming a table rebuildTables didn't construct belongs to a table
// dropped after this frame was written but before the last checkpoint; it
// is silently skipped.
func (db *Database) applyReplayedFrame(fr wal.FrameRecord) {
	switch fr.Op {
	case wal.OpPut:
		f, err := wal.DecodePut(fr.Payload)
		if err != nil {
			return
		}
		if tbl, ok := db.tables[f.Table]; ok {
			_ = tbl.MemTable().Upsert(f.Key, f.Value)
		}
	case wal.OpDelete:
		f, err := wal.DecodeDelete(fr.Payload)
		if err != nil {
			return
		}
		if tbl, ok := db.tables[f.Table]; ok {
			_ = tbl.MemTable().Delete(f.Key)
		}
	case wal.OpDropTable:
		name, err := wal.DecodeDropTable(fr.Payload)
		if err != nil {
			return
		}
		db.dropTableLocked(name)
	}
}

// CreateTable declares a new table named name with the given primary-key
// attribute kind, and persists the declaration to the schema sidecar.
func (db *Database) CreateTable(name string, pkKind codec.Kind) (*table.Table, error) {
	if name == "" {
		return nil, &errs.InvalidArgument{What: "table name must not be empty"}
	}
	if table.IsReservedIndexTableName(name) {
		return nil, &errs.InvalidArgument{What: "table name " + name + " collides with the reserved index-table pattern"}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.tables[name]; exists {
		return nil, &errs.TableExists{Name: name}
	}

	tbl := table.New(name, db.dir, db.opts, db.store, db.guardReg, db.pipe)
	db.tables[name] = tbl
	db.schema.Tables[name] = tableSchema{PrimaryKeyKind: pkKind}
	if err := db.saveSchema(); err != nil {
		delete(db.tables, name)
		delete(db.schema.Tables, name)
		return nil, err
	}
	return tbl, nil
}

// CreateIndex declares a secondary index on an existing table, creating its
// reserved-name backing table and persisting the declaration.
func (db *Database) CreateIndex(tableName, indexName string, attr codec.Kind, unique bool, scale *int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tbl, ok := db.tables[tableName]
	if !ok {
		return &errs.TableNotFound{Name: tableName}
	}
	idxTableName := table.IndexTableName(tableName, indexName)
	if _, exists := db.tables[idxTableName]; exists {
		return &errs.InvalidArgument{What: "index " + indexName + " already exists on table " + tableName}
	}

	idxTbl := table.New(idxTableName, db.dir, db.opts, db.store, db.guardReg, db.pipe)
	def := table.IndexDef{Name: indexName, Attr: attr, Unique: unique, Scale: scale}
	if err := tbl.CreateIndex(def, idxTbl); err != nil {
		return err
	}
	db.tables[idxTableName] = idxTbl

	ts := db.schema.Tables[tableName]
	ts.Indexes = append(ts.Indexes, indexSchema{Name: indexName, Attr: attr, Unique: unique, Scale: scale})
	db.schema.Tables[tableName] = ts
	if err := db.saveSchema(); err != nil {
		delete(db.tables, idxTableName)
		return err
	}
	return nil
}

// Table returns the named live table, primary or reserved-name index alike.
func (db *Database) Table(name string) (*table.Table, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	tbl, ok := db.tables[name]
	if !ok {
		return nil, &errs.TableNotFound{Name: name}
	}
	return tbl, nil
}

// DropTable removes a table, its row data, and every secondary index table
// it owns. The drop is itself one WAL-logged transaction: only once it is
// durable does the in-memory table set, manifest, and schema sidecar
// actually lose the table.
func (db *Database) DropTable(name string) error {
	db.mu.RLock()
	_, ok := db.tables[name]
	db.mu.RUnlock()
	if !ok {
		return &errs.TableNotFound{Name: name}
	}

	tx := db.pipe.Begin(db.opts.DefaultDurability)
	tx.AddDropTable(name)
	tx.AddApply(func() error {
		db.dropTableLocked(name)
		return nil
	})
	return tx.Commit()
}

// dropTableLocked removes name (and its index tables) from the live table
// set, the manifest, and the schema sidecar. Used both by DropTable's own
// apply step and by WAL replay, where the frame is already committed and
// there is nothing left to stage — only the in-memory and sidecar state
// needs to catch up. A name no longer present is a silent no-op, since
// replay may see a DropTable frame for a table the schema sidecar (rewritten
// when the drop was first applied) already forgot.
func (db *Database) dropTableLocked(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tbl, ok := db.tables[name]
	if !ok {
		return
	}

	next := db.store.Current().Clone()
	delete(next.Tables, name)
	for _, idxName := range tbl.IndexNames() {
		idxTableName := table.IndexTableName(name, idxName)
		if idxTbl, ok := db.tables[idxTableName]; ok {
			idxTbl.Close()
			delete(db.tables, idxTableName)
		}
		delete(next.Tables, idxTableName)
	}
	tbl.Close()
	delete(db.tables, name)
	delete(db.schema.Tables, name)

	if err := db.store.Save(next); err != nil {
		db.opts.Logger.Errorw("failed to persist manifest after table drop", "table", name, "error", err)
	}
	if err := db.saveSchema(); err != nil {
		db.opts.Logger.Errorw("failed to persist schema after table drop", "table", name, "error", err)
	}
}

// saveSchema marshals and atomically writes the schema sidecar. Callers
// must already hold db.mu.
func (db *Database) saveSchema() error {
	data, err := json.Marshal(db.schema)
	if err != nil {
		return fmt.Errorf("encode schema file: %w", err)
	}
	return writeFileAtomic(filepath.Join(db.dir, schemaFileName), data)
}

// Close releases every table's cached SST readers and stops the WAL
// writer's consumer loop, flushing any pending group-commit batch first.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, tbl := range db.tables {
		tbl.Close()
	}
	return db.w.Close()
}

func toSSTRecords(recs []memtable.Record) []sstable.Record {
	out := make([]sstable.Record, len(recs))
	for i, r := range recs {
		out[i] = sstable.Record{Key: r.Key, Value: r.Entry.Value, Tombstone: r.Entry.Tombstone}
	}
	return out
}

// Checkpoint freezes every table's active MemTable, flushes each frozen
// snapshot to its own SST, and registers the new generation in one atomic
// manifest update. New writes keep landing in each table's fresh active
// MemTable throughout — Checkpoint never blocks a concurrent Upsert or Get
// beyond the brief pointer-swap each table's FreezeForCheckpoint performs.
func (db *Database) Checkpoint(ctx context.Context) error {
	db.mu.RLock()
	tables := make([]*table.Table, 0, len(db.tables))
	for _, t := range db.tables {
		tables = append(tables, t)
	}
	db.mu.RUnlock()

	type flushed struct {
		tbl  *table.Table
		name string
	}
	var work []flushed
	for _, t := range tables {
		if ctx.Err() != nil {
			return &errs.Cancelled{Op: "checkpoint"}
		}
		frozen := t.FreezeForCheckpoint()
		if frozen == nil {
			continue
		}

		records := toSSTRecords(frozen.SnapshotRange(nil, nil, nil))
		seq := atomic.AddUint64(&db.sstSeq, 1)
		name := fmt.Sprintf("%s-%020d.sst", t.Name(), seq)
		path := filepath.Join(db.dir, name)
		if err := sstable.WriteAll(path, db.opts.AnchorStride, records); err != nil {
			return err
		}
		work = append(work, flushed{tbl: t, name: name})
	}
	if len(work) == 0 {
		return nil
	}

	next := db.store.Current().Clone()
	for _, f := range work {
		next.Tables[f.tbl.Name()] = append([]string{f.name}, next.Tables[f.tbl.Name()]...)
	}
	if err := db.store.Save(next); err != nil {
		return err
	}
	for _, f := range work {
		f.tbl.ClearFrozen()
	}
	return nil
}

// Compact merges tableName's oldest generation of SSTs (CompactionTrigger of
// them, or all of them if fewer are live) into one, dropping tombstones.
// Safe because the merged set sits below every other live SST for this
// table: nothing older remains that a tombstone in it could still need to
// mask, so a tombstoned key simply disappears from the output rather than
// being carried forward.
func (db *Database) Compact(ctx context.Context, tableName string) error {
	db.mu.RLock()
	_, ok := db.tables[tableName]
	db.mu.RUnlock()
	if !ok {
		return &errs.TableNotFound{Name: tableName}
	}

	names := db.store.Current().Tables[tableName]
	if len(names) < 2 {
		return nil
	}
	trigger := db.opts.CompactionTrigger
	if trigger <= 0 || trigger > len(names) {
		trigger = len(names)
	}
	// names is newest-first; the oldest generation is its tail.
	oldestNames := append([]string{}, names[len(names)-trigger:]...)

	readers := make([]*sstable.Reader, 0, len(oldestNames))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for _, n := range oldestNames {
		r, err := sstable.Open(filepath.Join(db.dir, n))
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}

	reader := merge.NewReader(nil, readers, nil, nil, nil, db.opts.PageSize)
	var records []sstable.Record
	for {
		if ctx.Err() != nil {
			return &errs.Cancelled{Op: "compaction"}
		}
		page, _, hasMore, err := reader.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range page {
			records = append(records, sstable.Record{Key: e.Key, Value: e.Value})
		}
		if !hasMore {
			break
		}
	}

	var mergedName string
	if len(records) > 0 {
		seq := atomic.AddUint64(&db.sstSeq, 1)
		mergedName = fmt.Sprintf("%s-compact-%020d.sst", tableName, seq)
		if err := sstable.WriteAll(filepath.Join(db.dir, mergedName), db.opts.AnchorStride, records); err != nil {
			return err
		}
	}

	// A concurrent Checkpoint only ever prepends new, newer SSTs to this
	// table's entry — the oldest generation's tail is untouched by it. So
	// as long as that tail still matches what was just compacted, whatever
	// sits above it now (including anything added concurrently) carries
	// forward unchanged; only a concurrent Compact on the same table could
	// invalidate the tail itself, which is reported as an error rather than
	// silently retried.
	latest := db.store.Current()
	liveNow := latest.Tables[tableName]
	if len(liveNow) < len(oldestNames) || !namesEqual(liveNow[len(liveNow)-len(oldestNames):], oldestNames) {
		return &errs.InvalidArgument{What: "table " + tableName + " was concurrently compacted"}
	}
	newNames := append([]string{}, liveNow[:len(liveNow)-len(oldestNames)]...)
	if mergedName != "" {
		newNames = append(newNames, mergedName)
	}

	next := latest.Clone()
	next.Tables[tableName] = newNames
	if err := db.store.Save(next); err != nil {
		return err
	}

	for _, n := range oldestNames {
		if err := os.Remove(filepath.Join(db.dir, n)); err != nil && !os.IsNotExist(err) {
			db.opts.Logger.Warnw("failed to remove compacted sst", "path", n, "error", err)
		}
	}
	return nil
}

func namesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
