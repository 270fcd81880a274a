package txn

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/walnutdb/walnutdb/internal/config"
	"github.com/walnutdb/walnutdb/internal/wal"
)

func openPipeline(t *testing.T) (*Pipeline, *wal.Writer) {
	t.Helper()
	dir := t.TempDir()
	opts := config.Default()
	w, err := wal.Open(filepath.Join(dir, "wal.log"), opts)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return NewPipeline(w, opts.Logger), w
}

func TestCommitRunsApplyAfterDurability(t *testing.T) {
	p, _ := openPipeline(t)
	tx := p.Begin(config.DurabilitySafe)
	tx.AddPut("orders", []byte("k1"), []byte("v1"))

	applied := false
	tx.AddApply(func() error {
		applied = true
		return nil
	})

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !applied {
		t.Fatal("expected apply queue to run on successful commit")
	}
}

func TestCommitDropsRollbackOnSuccess(t *testing.T) {
	p, _ := openPipeline(t)
	tx := p.Begin(config.DurabilitySafe)
	tx.AddPut("orders", []byte("k1"), []byte("v1"))

	rolledBack := false
	tx.AddRollback(func() { rolledBack = true })

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rolledBack {
		t.Fatal("rollback must not run after a successful commit")
	}
}

func TestFailedApplyTriggersRollbackInReverseOrder(t *testing.T) {
	p, _ := openPipeline(t)
	tx := p.Begin(config.DurabilitySafe)
	tx.AddPut("orders", []byte("k1"), []byte("v1"))

	var order []int
	tx.AddRollback(func() { order = append(order, 1) })
	tx.AddRollback(func() { order = append(order, 2) })
	tx.AddApply(func() error { return errors.New("apply failed") })

	if err := tx.Commit(); err == nil {
		t.Fatal("expected Commit to surface the apply failure")
	}
	want := []int{2, 1}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("got rollback order %v, want %v", order, want)
	}
}

func TestEachTransactionGetsADistinctTxID(t *testing.T) {
	p, _ := openPipeline(t)
	tx1 := p.Begin(config.DurabilitySafe)
	tx2 := p.Begin(config.DurabilitySafe)
	if tx1.TxID() == tx2.TxID() {
		t.Fatalf("expected distinct tx IDs, got %d and %d", tx1.TxID(), tx2.TxID())
	}
}

func TestWALWriterFailureTriggersRollbackNotApply(t *testing.T) {
	p, w := openPipeline(t)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tx := p.Begin(config.DurabilitySafe)
	tx.AddPut("orders", []byte("k1"), []byte("v1"))

	applied := false
	rolledBack := false
	tx.AddApply(func() error { applied = true; return nil })
	tx.AddRollback(func() { rolledBack = true })

	if err := tx.Commit(); err == nil {
		t.Fatal("expected Commit to fail once the WAL writer is closed")
	}
	if applied {
		t.Fatal("apply queue must not run when WAL durability was never reached")
	}
	if !rolledBack {
		t.Fatal("expected rollback to run on WAL failure")
	}
}
