package table

import (
	"context"
	"testing"

	"github.com/walnutdb/walnutdb/internal/codec"
	"github.com/walnutdb/walnutdb/internal/memtable"
)

func TestFreezeForCheckpointReturnsNilWhenEmpty(t *testing.T) {
	h := newHarness(t)
	if frozen := h.users.FreezeForCheckpoint(); frozen != nil {
		t.Fatalf("expected nil snapshot from an empty table, got %v", frozen)
	}
}

func TestFreezeForCheckpointSwapsInFreshActiveMemTable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("v1"), map[string]codec.Scalar{
		"email": scalarStr("a@example.com"),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	frozen := h.users.FreezeForCheckpoint()
	if frozen == nil {
		t.Fatal("expected a non-nil frozen snapshot after a write")
	}
	if !frozen.IsFrozen() {
		t.Fatal("expected the returned MemTable to be frozen")
	}

	// A new write must land in the fresh active MemTable, not the frozen one.
	if err := h.users.Upsert(ctx, []byte("pk2"), []byte("v2"), map[string]codec.Scalar{
		"email": scalarStr("b@example.com"),
	}); err != nil {
		t.Fatalf("Upsert after freeze: %v", err)
	}
	if _, ok := frozen.TryGet([]byte("pk2")); ok {
		t.Fatal("pk2 must not appear in the frozen snapshot taken before it was written")
	}
}

func TestReadsSeeBothActiveAndFrozenTiersDuringCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("frozen-row"), map[string]codec.Scalar{
		"email": scalarStr("a@example.com"),
	}); err != nil {
		t.Fatalf("Upsert 1: %v", err)
	}
	if h.users.FreezeForCheckpoint() == nil {
		t.Fatal("expected a frozen snapshot")
	}
	if err := h.users.Upsert(ctx, []byte("pk2"), []byte("active-row"), map[string]codec.Scalar{
		"email": scalarStr("b@example.com"),
	}); err != nil {
		t.Fatalf("Upsert 2: %v", err)
	}

	row1, ok, err := h.users.Get([]byte("pk1"))
	if err != nil || !ok {
		t.Fatalf("Get(pk1) while frozen is pending: ok=%v err=%v", ok, err)
	}
	if string(row1) != "frozen-row" {
		t.Fatalf("row1 = %q", row1)
	}

	row2, ok, err := h.users.Get([]byte("pk2"))
	if err != nil || !ok {
		t.Fatalf("Get(pk2) while frozen is pending: ok=%v err=%v", ok, err)
	}
	if string(row2) != "active-row" {
		t.Fatalf("row2 = %q", row2)
	}

	scanner, err := h.users.NewPrimaryScanner(nil, nil, nil, 10)
	if err != nil {
		t.Fatalf("NewPrimaryScanner: %v", err)
	}
	page, _, hasMore, err := scanner.NextPage(ctx)
	if err != nil {
		t.Fatalf("NextPage: %v", err)
	}
	if hasMore {
		t.Fatal("expected a single page")
	}
	if len(page) != 2 {
		t.Fatalf("expected both tiers merged into one scan, got %d entries", len(page))
	}
}

func TestOverwriteAfterFreezeIsVisibleOverFrozenTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("v1"), map[string]codec.Scalar{
		"email": scalarStr("a@example.com"),
	}); err != nil {
		t.Fatalf("Upsert 1: %v", err)
	}
	if h.users.FreezeForCheckpoint() == nil {
		t.Fatal("expected a frozen snapshot")
	}
	// Re-upsert the same key after freezing: the active tier's copy must win.
	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("v2"), map[string]codec.Scalar{
		"email": scalarStr("a2@example.com"),
	}); err != nil {
		t.Fatalf("Upsert 2: %v", err)
	}

	row, ok, err := h.users.Get([]byte("pk1"))
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(row) != "v2" {
		t.Fatalf("row = %q, want active tier's v2", row)
	}
}

func TestClearFrozenDropsFrozenTierFromReads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("v1"), map[string]codec.Scalar{
		"email": scalarStr("a@example.com"),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	frozen := h.users.FreezeForCheckpoint()
	if frozen == nil {
		t.Fatal("expected a frozen snapshot")
	}
	h.users.ClearFrozen()

	// pk1 no longer lives in the active MemTable nor any SST (never flushed),
	// so it must now read as absent rather than resurrected from the
	// discarded frozen tier.
	if _, ok, err := h.users.Get([]byte("pk1")); err != nil || ok {
		t.Fatalf("expected pk1 to be unreadable once its only copy (frozen) is cleared: ok=%v err=%v", ok, err)
	}
}

func TestMergeMemSnapshotsActiveWinsOnSharedKey(t *testing.T) {
	active := []memtable.Record{
		{Key: []byte("a"), Entry: memtable.Entry{Value: []byte("active-a")}},
		{Key: []byte("c"), Entry: memtable.Entry{Value: []byte("active-c")}},
	}
	frozen := []memtable.Record{
		{Key: []byte("a"), Entry: memtable.Entry{Value: []byte("frozen-a")}},
		{Key: []byte("b"), Entry: memtable.Entry{Value: []byte("frozen-b")}},
	}

	merged := mergeMemSnapshots(active, frozen)
	if len(merged) != 3 {
		t.Fatalf("expected 3 merged records, got %d", len(merged))
	}
	want := []struct {
		key, value string
	}{
		{"a", "active-a"},
		{"b", "frozen-b"},
		{"c", "active-c"},
	}
	for i, w := range want {
		if string(merged[i].Key) != w.key {
			t.Fatalf("merged[%d].Key = %q, want %q", i, merged[i].Key, w.key)
		}
		if string(merged[i].Entry.Value) != w.value {
			t.Fatalf("merged[%d].Value = %q, want %q", i, merged[i].Entry.Value, w.value)
		}
	}
}
