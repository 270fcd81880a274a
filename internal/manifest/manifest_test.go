package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenEmptyDirYieldsEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Current().Tables) != 0 {
		t.Fatalf("expected empty manifest, got %v", s.Current().Tables)
	}
}

func TestSaveThenReopenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	next := s.Current().Clone()
	next.Tables["orders"] = []string{"b.sst", "a.sst"}
	if err := s.Save(next); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.Current().Tables["orders"]
	want := []string{"b.sst", "a.sst"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestSaveIsAtomicAcrossGenerations(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	gen1 := s.Current().Clone()
	gen1.Tables["t"] = []string{"gen1.sst"}
	if err := s.Save(gen1); err != nil {
		t.Fatalf("save gen1: %v", err)
	}

	gen2 := s.Current().Clone()
	gen2.Tables["t"] = []string{"gen2.sst", "gen1.sst"}
	if err := s.Save(gen2); err != nil {
		t.Fatalf("save gen2: %v", err)
	}

	current, err := os.ReadFile(filepath.Join(dir, currentFileName))
	if err != nil {
		t.Fatalf("read CURRENT: %v", err)
	}
	if string(current) != "MANIFEST-00000000000000000002\n" {
		t.Fatalf("unexpected CURRENT contents: %q", current)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.Current().Tables["t"]
	if len(got) != 2 || got[0] != "gen2.sst" {
		t.Fatalf("expected gen2 to be live, got %v", got)
	}
}

func TestSSTPathsJoinsDataDir(t *testing.T) {
	m := &Manifest{Tables: map[string][]string{"t": {"x.sst"}}}
	paths := m.SSTPaths("/data", "t")
	if len(paths) != 1 || paths[0] != filepath.Join("/data", "x.sst") {
		t.Fatalf("got %v", paths)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := &Manifest{Tables: map[string][]string{"t": {"a.sst"}}}
	c := m.Clone()
	c.Tables["t"][0] = "mutated.sst"
	if m.Tables["t"][0] != "a.sst" {
		t.Fatal("Clone must not alias the original slice")
	}
	c.Tables["u"] = []string{"new.sst"}
	if _, ok := m.Tables["u"]; ok {
		t.Fatal("Clone must not let new table keys leak back to the original")
	}
}
