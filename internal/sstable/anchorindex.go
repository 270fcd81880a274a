package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/walnutdb/walnutdb/internal/errs"
	"github.com/walnutdb/walnutdb/internal/utils"
)

// anchorIndexBuilder accumulates one (key, offset) anchor per anchorStride
// records while an SST is being written.
//
// Serialized as count:u32-LE, then per-entry keyLen:u32-LE, key,
// offset:i64-LE — a sparse companion index with binary-search/floor
// semantics, framed as a standalone, best-effort-loaded `.sxi` sidecar
// rather than an in-file block index.
type anchorIndexBuilder struct {
	stride  int
	keys    [][]byte
	offsets []int64
}

func newAnchorIndexBuilder(stride int) *anchorIndexBuilder {
	if stride <= 0 {
		stride = 1024
	}
	return &anchorIndexBuilder{stride: stride}
}

func (b *anchorIndexBuilder) add(key []byte, offset int64) {
	b.keys = append(b.keys, utils.CopyBytes(key))
	b.offsets = append(b.offsets, offset)
}

// writeTo serializes the accumulated anchors to path. Failure is reported
// to the caller, who treats it as non-fatal: the sidecar is best-effort.
func (b *anchorIndexBuilder) writeTo(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return &errs.IoFailure{Op: "create sst anchor index", Err: err}
	}
	defer f.Close()

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(b.keys)))
	if _, err := f.Write(header); err != nil {
		return &errs.IoFailure{Op: "write sst anchor index count", Err: err}
	}
	for i, k := range b.keys {
		entry := make([]byte, 4+len(k)+8)
		binary.LittleEndian.PutUint32(entry[0:4], uint32(len(k)))
		copy(entry[4:4+len(k)], k)
		binary.LittleEndian.PutUint64(entry[4+len(k):], uint64(b.offsets[i]))
		if _, err := f.Write(entry); err != nil {
			return &errs.IoFailure{Op: "write sst anchor index entry", Err: err}
		}
	}
	return f.Sync()
}

// anchorIndex is the loaded, queryable form of an SST's companion sparse
// index.
type anchorIndex struct {
	keys    [][]byte
	offsets []int64
}

// loadAnchorIndex reads path's anchor sidecar, returning nil (not an error)
// on any absence or corruption — the reader falls back to a full scan.
func loadAnchorIndex(path string) *anchorIndex {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	idx, err := parseAnchorIndex(data)
	if err != nil {
		return nil
	}
	return idx
}

func parseAnchorIndex(data []byte) (*anchorIndex, error) {
	if len(data) < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	data = data[4:]

	idx := &anchorIndex{keys: make([][]byte, 0, count), offsets: make([]int64, 0, count)}
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, io.ErrUnexpectedEOF
		}
		keyLen := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		if uint64(len(data)) < uint64(keyLen)+8 {
			return nil, io.ErrUnexpectedEOF
		}
		key := make([]byte, keyLen)
		copy(key, data[:keyLen])
		data = data[keyLen:]
		offset := int64(binary.LittleEndian.Uint64(data[:8]))
		data = data[8:]
		idx.keys = append(idx.keys, key)
		idx.offsets = append(idx.offsets, offset)
	}
	return idx, nil
}

// floorOffset returns the byte offset of the greatest anchor whose key is
// <= key, or the file's first record offset if key is before every anchor
// (or the index is empty).
func (idx *anchorIndex) floorOffset(key []byte) int64 {
	if len(idx.keys) == 0 || key == nil {
		return int64(len(magic))
	}
	lo, hi := 0, len(idx.keys)-1
	result := int64(len(magic))
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(idx.keys[mid], key) <= 0 {
			result = idx.offsets[mid]
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}
