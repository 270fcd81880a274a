package table

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/walnutdb/walnutdb/internal/codec"
	"github.com/walnutdb/walnutdb/internal/config"
	"github.com/walnutdb/walnutdb/internal/errs"
	"github.com/walnutdb/walnutdb/internal/guard"
	"github.com/walnutdb/walnutdb/internal/manifest"
	"github.com/walnutdb/walnutdb/internal/txn"
	"github.com/walnutdb/walnutdb/internal/wal"
)

// harness wires up one primary table and an email-uniqueness index backed
// by its own reserved-name table, the way the database façade would.
type harness struct {
	users *Table
	email *Table
	w     *wal.Writer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	opts := config.Default()

	w, err := wal.Open(filepath.Join(dir, "wal.log"), opts)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	store, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}

	guardReg := guard.New()
	pipeline := txn.NewPipeline(w, opts.Logger)

	users := New("users", dir, opts, store, guardReg, pipeline)
	email := New(IndexTableName("users", "email"), dir, opts, store, guardReg, pipeline)

	if err := users.CreateIndex(IndexDef{Name: "email", Attr: codec.KindString, Unique: true}, email); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	return &harness{users: users, email: email, w: w}
}

func scalarStr(s string) codec.Scalar { return codec.Scalar{Kind: codec.KindString, Str: s} }

func TestUpsertThenGetRoundTrips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.users.Upsert(ctx, []byte("pk1"), []byte("alice-row"), map[string]codec.Scalar{
		"email": scalarStr("alice@example.com"),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	row, ok, err := h.users.Get([]byte("pk1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected row to be present")
	}
	if string(row) != "alice-row" {
		t.Fatalf("row = %q, want %q", row, "alice-row")
	}
}

func TestUpsertRejectsDuplicateUniqueValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("alice-row"), map[string]codec.Scalar{
		"email": scalarStr("alice@example.com"),
	}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}

	err := h.users.Upsert(ctx, []byte("pk2"), []byte("bob-row"), map[string]codec.Scalar{
		"email": scalarStr("alice@example.com"),
	})
	if err == nil {
		t.Fatal("expected UniqueViolation for duplicate email")
	}
	var uv *errs.UniqueViolation
	if !errors.As(err, &uv) {
		t.Fatalf("expected UniqueViolation, got %v (%T)", err, err)
	}

	if _, ok, _ := h.users.Get([]byte("pk2")); ok {
		t.Fatal("pk2 must not have been stored after a unique violation")
	}
}

func TestUniqueValueIsReusableAfterOwningRowDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("alice-row"), map[string]codec.Scalar{
		"email": scalarStr("alice@example.com"),
	}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}

	existed, err := h.users.Delete([]byte("pk1"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatal("expected pk1 to have existed")
	}

	if err := h.users.Upsert(ctx, []byte("pk2"), []byte("bob-row"), map[string]codec.Scalar{
		"email": scalarStr("alice@example.com"),
	}); err != nil {
		t.Fatalf("expected email to be reusable after delete, got: %v", err)
	}

	row, ok, err := h.users.Get([]byte("pk2"))
	if err != nil || !ok {
		t.Fatalf("Get(pk2): ok=%v err=%v", ok, err)
	}
	if string(row) != "bob-row" {
		t.Fatalf("row = %q", row)
	}
}

func TestUpsertChangingUniqueValueFreesOldPrefix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("v1"), map[string]codec.Scalar{
		"email": scalarStr("a@example.com"),
	}); err != nil {
		t.Fatalf("Upsert 1: %v", err)
	}
	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("v2"), map[string]codec.Scalar{
		"email": scalarStr("b@example.com"),
	}); err != nil {
		t.Fatalf("Upsert 2 (change email): %v", err)
	}

	// a@example.com should now be free for a different row.
	if err := h.users.Upsert(ctx, []byte("pk2"), []byte("v3"), map[string]codec.Scalar{
		"email": scalarStr("a@example.com"),
	}); err != nil {
		t.Fatalf("expected freed email to be reusable, got: %v", err)
	}
}

func TestDeleteReturnsFalseForMissingKey(t *testing.T) {
	h := newHarness(t)
	existed, err := h.users.Delete([]byte("nope"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Fatal("expected existed=false for a key never written")
	}
}

func TestPrimaryScannerPagesInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		if err := h.users.Upsert(ctx, []byte(k), []byte("row-"+k), map[string]codec.Scalar{
			"email": scalarStr(k + "@example.com"),
		}); err != nil {
			t.Fatalf("Upsert(%s): %v", k, err)
		}
	}

	scanner, err := h.users.NewPrimaryScanner(nil, nil, nil, 2)
	if err != nil {
		t.Fatalf("NewPrimaryScanner: %v", err)
	}

	var got []string
	for {
		page, _, hasMore, err := scanner.NextPage(ctx)
		if err != nil {
			t.Fatalf("NextPage: %v", err)
		}
		for _, e := range page {
			got = append(got, string(e.Key))
		}
		if !hasMore {
			break
		}
	}

	if len(got) != len(keys) {
		t.Fatalf("got %v, want %v", got, keys)
	}
	for i, k := range keys {
		if got[i] != k {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], k)
		}
	}
}

func TestIndexScannerResolvesToPrimaryRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rows := map[string]string{
		"pk1": "carol@example.com",
		"pk2": "dave@example.com",
	}
	for pk, email := range rows {
		if err := h.users.Upsert(ctx, []byte(pk), []byte("row-"+pk), map[string]codec.Scalar{
			"email": scalarStr(email),
		}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	scanner, err := h.users.NewIndexScanner("email", nil, nil, nil, 10)
	if err != nil {
		t.Fatalf("NewIndexScanner: %v", err)
	}
	page, _, hasMore, err := scanner.NextPage(ctx)
	if err != nil {
		t.Fatalf("NextPage: %v", err)
	}
	if hasMore {
		t.Fatal("expected a single page for two entries with pageSize 10")
	}
	if len(page) != 2 {
		t.Fatalf("got %d entries, want 2", len(page))
	}
	for _, e := range page {
		if _, ok := rows[string(e.Key)]; !ok {
			t.Fatalf("unexpected pk %q in index scan", e.Key)
		}
		if string(e.Value) != "row-"+string(e.Key) {
			t.Fatalf("row for %q = %q", e.Key, e.Value)
		}
	}
}

func TestIndexScannerSkipsRowsDeletedAfterIndexing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.users.Upsert(ctx, []byte("pk1"), []byte("row1"), map[string]codec.Scalar{
		"email": scalarStr("e1@example.com"),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := h.users.Delete([]byte("pk1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	scanner, err := h.users.NewIndexScanner("email", nil, nil, nil, 10)
	if err != nil {
		t.Fatalf("NewIndexScanner: %v", err)
	}
	page, _, _, err := scanner.NextPage(ctx)
	if err != nil {
		t.Fatalf("NextPage: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected deleted row's index entry to resolve to nothing, got %v", page)
	}
}

func TestScanDescReversesOrderWithSkipAndTake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		if err := h.users.Upsert(ctx, []byte(k), []byte("row-"+k), map[string]codec.Scalar{
			"email": scalarStr(k + "@example.com"),
		}); err != nil {
			t.Fatalf("Upsert(%s): %v", k, err)
		}
	}

	scanner, err := h.users.NewPrimaryScanner(nil, nil, nil, 2)
	if err != nil {
		t.Fatalf("NewPrimaryScanner: %v", err)
	}

	got, err := ScanDesc(ctx, scanner, 1, 2)
	if err != nil {
		t.Fatalf("ScanDesc: %v", err)
	}
	want := []string{"d", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want keys %v", got, want)
	}
	for i, w := range want {
		if string(got[i].Key) != w {
			t.Fatalf("got[%d].Key = %q, want %q", i, got[i].Key, w)
		}
	}
}
