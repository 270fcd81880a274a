package table

import (
	"sync"

	"github.com/walnutdb/walnutdb/internal/sstable"
)

// sstCache keeps one opened sstable.Reader per live SST path, reopening only
// what the manifest added and closing what it dropped (after a checkpoint or
// compaction swaps generations), rather than reopening a table's entire SST
// set on every read.
type sstCache struct {
	mu      sync.Mutex
	readers map[string]*sstable.Reader
}

func newSSTCache() *sstCache {
	return &sstCache{readers: map[string]*sstable.Reader{}}
}

// get returns Readers for paths, in the same (newest-first) order,
// opening any path not already cached and closing any cached reader whose
// path is no longer live.
func (c *sstCache) get(paths []string) ([]*sstable.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[string]bool, len(paths))
	out := make([]*sstable.Reader, len(paths))
	for i, p := range paths {
		live[p] = true
		if r, ok := c.readers[p]; ok {
			out[i] = r
			continue
		}
		r, err := sstable.Open(p)
		if err != nil {
			return nil, err
		}
		c.readers[p] = r
		out[i] = r
	}

	for p, r := range c.readers {
		if !live[p] {
			_ = r.Close()
			delete(c.readers, p)
		}
	}
	return out, nil
}

func (c *sstCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, r := range c.readers {
		_ = r.Close()
		delete(c.readers, p)
	}
}
