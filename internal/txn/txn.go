// Package txn implements WalnutDB's transaction/commit pipeline: a
// thread-local staging buffer that stages WAL frames plus the MemTable
// mutations (and compensations) to run once those frames are durable.
//
// Built on a Put-then-WAL-then-skiplist control flow, restructured into its
// own staged commit sequence because WalnutDB's group-commit WAL
// (internal/wal) is shared across all tables rather than owned per-memtable
// — see internal/memtable's package doc for the full rationale. The
// apply/rollback queue shape follows the commit sequence's own durability
// ordering: no mutation before the WAL is durable, compensation in reverse
// order on any failure before that point.
package txn

import (
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/walnutdb/walnutdb/internal/config"
	"github.com/walnutdb/walnutdb/internal/wal"
)

// ApplyFunc runs once a transaction's WAL frames are durable — typically a
// MemTable mutation or guard bookkeeping step.
type ApplyFunc func() error

// RollbackFunc runs, in reverse staging order, if commit fails before WAL
// durability is reached — typically a guard release.
type RollbackFunc func()

// Pipeline hands out Transactions that all share one underlying WAL writer
// and a monotonically increasing transaction-id counter.
type Pipeline struct {
	w      *wal.Writer
	log    *zap.SugaredLogger
	nextID uint64
}

// NewPipeline wraps w for transaction staging and commit.
func NewPipeline(w *wal.Writer, log *zap.SugaredLogger) *Pipeline {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pipeline{w: w, log: log}
}

// Begin opens a new transaction staging buffer committed at durability d.
func (p *Pipeline) Begin(d config.Durability) *Transaction {
	id := atomic.AddUint64(&p.nextID, 1)
	return &Transaction{
		pipeline:    p,
		txID:        id,
		correlation: uuid.New(),
		durability:  d,
	}
}

// Transaction is a single commit's staging buffer: WAL frames plus the
// deferred apply/rollback closures that run around the durability barrier.
// Not safe for concurrent use — a transaction belongs to the goroutine that
// opened it.
type Transaction struct {
	pipeline    *Pipeline
	txID        uint64
	correlation uuid.UUID
	durability  config.Durability

	frames   [][]byte
	applies  []ApplyFunc
	rollback []RollbackFunc
}

// TxID returns this transaction's WAL-visible numeric identifier.
func (t *Transaction) TxID() uint64 { return t.txID }

// AddPut stages a Put frame for table/key/value.
func (t *Transaction) AddPut(table string, key, value []byte) {
	t.frames = append(t.frames, wal.Frame(wal.OpPut, wal.PutPayload(t.txID, table, key, value)))
}

// AddDelete stages a Delete frame for table/key.
func (t *Transaction) AddDelete(table string, key []byte) {
	t.frames = append(t.frames, wal.Frame(wal.OpDelete, wal.DeletePayload(t.txID, table, key)))
}

// AddDropTable stages a DropTable frame.
func (t *Transaction) AddDropTable(table string) {
	t.frames = append(t.frames, wal.Frame(wal.OpDropTable, wal.DropTablePayload(table)))
}

// AddApply queues a closure to run after WAL durability, in staging order.
func (t *Transaction) AddApply(fn ApplyFunc) {
	t.applies = append(t.applies, fn)
}

// AddRollback queues a compensation to run, in reverse staging order, if
// commit fails before WAL durability.
func (t *Transaction) AddRollback(fn RollbackFunc) {
	t.rollback = append(t.rollback, fn)
}

// Commit flushes the staged frames through the WAL group-commit pipeline at
// this transaction's durability level, then — only once that succeeds — runs
// the apply queue. No MemTable mutation ever precedes WAL durability: if the
// WAL step fails, the apply queue never runs and the rollback queue runs
// instead, in reverse staging order. If an apply step fails, the steps after
// it are skipped and the rollback queue runs; steps already applied stay.
func (t *Transaction) Commit() error {
	full := make([][]byte, 0, len(t.frames)+2)
	full = append(full, wal.Frame(wal.OpBegin, wal.BeginPayload(t.txID)))
	full = append(full, t.frames...)
	full = append(full, wal.Frame(wal.OpCommit, wal.CommitPayload(t.txID)))

	handle := t.pipeline.w.Submit(wal.Batch{Frames: full, Durability: t.durability})
	if err := handle.Wait(); err != nil {
		t.runRollback()
		return err
	}

	for _, apply := range t.applies {
		if err := apply(); err != nil {
			t.pipeline.log.Errorw("apply-queue step failed after WAL durability",
				"txID", t.txID, "correlation", t.correlation, "error", err)
			t.runRollback()
			return err
		}
	}
	t.rollback = nil
	return nil
}

// Abort runs the rollback queue directly and discards the transaction,
// without ever touching the WAL. For failures discovered before Commit —
// unique-index validation, for instance — nothing has reached the WAL, so
// there is nothing to commit or fail to commit; Abort is how those callers still release
// reservations registered via AddRollback.
func (t *Transaction) Abort() {
	t.runRollback()
	t.rollback = nil
}

func (t *Transaction) runRollback() {
	for i := len(t.rollback) - 1; i >= 0; i-- {
		t.rollback[i]()
	}
}
