// Package sstable implements WalnutDB's SST file format: an immutable,
// sorted run of records with a fixed header and record-count trailer, plus
// optional companion sidecar files (a sparse anchor index and a bloom
// filter) that accelerate point and range lookups without changing the
// file's on-disk meaning if they're lost or corrupt.
//
// Built on a length-prefixed record stream with a linear-scan reader,
// adding the header, trailer, and sparse-index machinery a point/range
// lookup accelerator needs (see anchorindex.go).
package sstable

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/walnutdb/walnutdb/internal/errs"
)

// magic is the fixed 8-byte SST file header.
var magic = [8]byte{'S', 'S', 'T', 'v', '1', 0, 0, 0}

const (
	recordHeaderSize = 8 // kLen:u32-LE, vLen:u32-LE
	trailerSize      = 8 // count:u32-LE, crc32:u32-LE (Castagnoli, over header+records+count)
)

var sstCRCTable = crc32.MakeTable(crc32.Castagnoli)

// Record is one (key, value-or-tombstone) pair in sorted, non-duplicate
// input order for NewWriter / WriteAll.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Writer builds one immutable SST file (plus its companion anchor-index and
// bloom-filter sidecars) from a sorted input stream.
type Writer struct {
	file   *os.File
	path   string
	anchor *anchorIndexBuilder
	bloom  *BloomFilter
	count  uint32
	offset int64
	crc    uint32
}

// NewWriter creates (truncating) the SST file at path, ready to accept a
// sorted record stream via Append.
//
// expectedCount sizes the bloom filter; pass 0 if unknown (a zero-capacity
// bloom filter is skipped, not an error — it is always best-effort).
func NewWriter(path string, anchorStride int, expectedCount int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, &errs.IoFailure{Op: "create sst", Err: err}
	}
	if _, err := f.Write(magic[:]); err != nil {
		f.Close()
		return nil, &errs.IoFailure{Op: "write sst header", Err: err}
	}
	w := &Writer{
		file:   f,
		path:   path,
		anchor: newAnchorIndexBuilder(anchorStride),
		offset: int64(len(magic)),
		crc:    crc32.Checksum(magic[:], sstCRCTable),
	}
	if expectedCount > 0 {
		w.bloom = NewBloomFilter(uint32(expectedCount), 0.01)
	}
	return w, nil
}

// Append writes the next record of the sorted input stream.
func (w *Writer) Append(r Record) error {
	vlen := uint32(len(r.Value))
	if r.Tombstone {
		vlen = 0
	}
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(header[4:8], vlen)

	if w.count%uint32(w.anchor.stride) == 0 {
		w.anchor.add(r.Key, w.offset)
	}

	if _, err := w.file.Write(header); err != nil {
		return &errs.IoFailure{Op: "write sst record header", Err: err}
	}
	if _, err := w.file.Write(r.Key); err != nil {
		return &errs.IoFailure{Op: "write sst record key", Err: err}
	}
	if vlen > 0 {
		if _, err := w.file.Write(r.Value); err != nil {
			return &errs.IoFailure{Op: "write sst record value", Err: err}
		}
	}

	w.crc = crc32.Update(w.crc, sstCRCTable, header)
	w.crc = crc32.Update(w.crc, sstCRCTable, r.Key)
	if vlen > 0 {
		w.crc = crc32.Update(w.crc, sstCRCTable, r.Value)
	}

	w.offset += int64(recordHeaderSize) + int64(len(r.Key)) + int64(vlen)
	w.count++
	if w.bloom != nil {
		w.bloom.Add(r.Key)
	}
	return nil
}

// Finish writes the trailer and closes the file, then best-effort writes the
// companion sparse anchor index and bloom filter sidecars. A sidecar write
// failure is non-fatal and does not fail Finish — the SST itself is already
// valid; the caller's logger should be told so diagnostics aren't silent.
func (w *Writer) Finish() (sidecarErr error) {
	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, w.count)
	countCRC := crc32.Update(w.crc, sstCRCTable, trailer)
	full := make([]byte, trailerSize)
	copy(full[:4], trailer)
	binary.LittleEndian.PutUint32(full[4:8], countCRC)

	if _, err := w.file.Write(full); err != nil {
		w.file.Close()
		return &errs.IoFailure{Op: "write sst trailer", Err: err}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return &errs.IoFailure{Op: "sync sst", Err: err}
	}
	if err := w.file.Close(); err != nil {
		return &errs.IoFailure{Op: "close sst", Err: err}
	}

	if err := w.anchor.writeTo(w.path + ".sxi"); err != nil {
		sidecarErr = err
	}
	if w.bloom != nil {
		if err := writeBloomFile(w.path+".bloom", w.bloom); err != nil && sidecarErr == nil {
			sidecarErr = err
		}
	}
	return sidecarErr
}

// WriteAll is a convenience wrapper: open, append every record, finish.
func WriteAll(path string, anchorStride int, records []Record) error {
	w, err := NewWriter(path, anchorStride, len(records))
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := w.Append(r); err != nil {
			return err
		}
	}
	return w.Finish()
}

// Reader provides point and range lookups over one immutable SST file.
type Reader struct {
	file       *os.File
	path       string
	fileSize   int64
	recordsEnd int64 // offset where the trailer begins
	count      uint32
	anchors    *anchorIndex // nil if the sidecar is missing/corrupt
	bloom      *BloomFilter // nil if the sidecar is missing/corrupt
}

// Open validates an SST's header and trailer and loads its companion
// sidecars best-effort.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.IoFailure{Op: "open sst", Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errs.IoFailure{Op: "stat sst", Err: err}
	}
	size := st.Size()
	if size < int64(len(magic))+trailerSize {
		f.Close()
		return nil, &errs.CorruptSst{Path: path, Reason: "file shorter than header+trailer"}
	}

	header := make([]byte, len(magic))
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, &errs.IoFailure{Op: "read sst header", Err: err}
	}
	if !bytes.Equal(header, magic[:]) {
		f.Close()
		return nil, &errs.CorruptSst{Path: path, Reason: "bad magic header"}
	}

	trailer := make([]byte, trailerSize)
	if _, err := f.ReadAt(trailer, size-trailerSize); err != nil {
		f.Close()
		return nil, &errs.IoFailure{Op: "read sst trailer", Err: err}
	}
	count := binary.LittleEndian.Uint32(trailer[0:4])
	expectCRC := binary.LittleEndian.Uint32(trailer[4:8])

	recordsEnd := size - trailerSize
	body := make([]byte, recordsEnd)
	if _, err := f.ReadAt(body, 0); err != nil {
		f.Close()
		return nil, &errs.IoFailure{Op: "read sst body for checksum", Err: err}
	}
	gotCRC := crc32.Checksum(body, sstCRCTable)
	gotCRC = crc32.Update(gotCRC, sstCRCTable, trailer[0:4])
	if gotCRC != expectCRC {
		f.Close()
		return nil, &errs.CorruptSst{Path: path, Reason: "trailer checksum mismatch"}
	}

	r := &Reader{file: f, path: path, fileSize: size, recordsEnd: recordsEnd, count: count}
	r.anchors = loadAnchorIndex(path + ".sxi") // best-effort; nil on any failure
	r.bloom = loadBloomFile(path + ".bloom")   // best-effort; nil on any failure
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return &errs.IoFailure{Op: "close sst", Err: err}
	}
	return nil
}

// Count returns the number of records the trailer declares.
func (r *Reader) Count() uint32 { return r.count }

func (r *Reader) readRecordAt(offset int64) (key, value []byte, tombstone bool, next int64, err error) {
	if offset+recordHeaderSize > r.recordsEnd {
		return nil, nil, false, 0, io.EOF
	}
	header := make([]byte, recordHeaderSize)
	if _, err := r.file.ReadAt(header, offset); err != nil {
		return nil, nil, false, 0, &errs.IoFailure{Op: "read sst record header", Err: err}
	}
	klen := binary.LittleEndian.Uint32(header[0:4])
	vlen := binary.LittleEndian.Uint32(header[4:8])
	bodyOffset := offset + recordHeaderSize
	bodyLen := int64(klen) + int64(vlen)
	if bodyOffset+bodyLen > r.recordsEnd {
		return nil, nil, false, 0, &errs.CorruptSst{Path: r.path, Reason: "record length exceeds file bounds"}
	}
	buf := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := r.file.ReadAt(buf, bodyOffset); err != nil {
			return nil, nil, false, 0, &errs.IoFailure{Op: "read sst record body", Err: err}
		}
	}
	key = buf[:klen]
	var val []byte
	if vlen > 0 {
		val = buf[klen:]
	}
	return key, val, vlen == 0, bodyOffset + bodyLen, nil
}

// TryGet returns the record for key if present. ok=false means no such key
// was ever written to this SST (not that it's deleted — callers check the
// returned tombstone flag for that).
func (r *Reader) TryGet(key []byte) (value []byte, tombstone bool, ok bool, err error) {
	if r.bloom != nil && !r.bloom.MayContain(key) {
		return nil, false, false, nil
	}
	offset := r.seekOffset(key)
	for offset < r.recordsEnd {
		k, v, ts, next, rerr := r.readRecordAt(offset)
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return nil, false, false, rerr
		}
		cmp := bytes.Compare(k, key)
		if cmp == 0 {
			return v, ts, true, nil
		}
		if cmp > 0 {
			break
		}
		offset = next
	}
	return nil, false, false, nil
}

// seekOffset returns the byte offset to begin a linear scan from for key,
// using the anchor index if present, or the first record otherwise.
func (r *Reader) seekOffset(key []byte) int64 {
	if r.anchors != nil {
		return r.anchors.floorOffset(key)
	}
	return int64(len(magic))
}

// RangeIterator yields records in [fromInclusive, toExclusive) in key order.
type RangeIterator struct {
	r      *Reader
	offset int64
	from   []byte // nil means unbounded below
	to     []byte // nil means unbounded above
	key    []byte
	value  []byte
	tomb   bool
	done   bool
	err    error
}

// ScanRange returns an iterator over [fromInclusive, toExclusive). A nil
// fromInclusive/toExclusive means unbounded below/above respectively.
func (r *Reader) ScanRange(fromInclusive, toExclusive []byte) *RangeIterator {
	return &RangeIterator{r: r, offset: r.seekOffset(fromInclusive), from: fromInclusive, to: toExclusive}
}

// Next advances the iterator. Returns false at EOF, bound, or on error (call
// Err to distinguish).
func (it *RangeIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	for it.offset < it.r.recordsEnd {
		k, v, ts, next, err := it.r.readRecordAt(it.offset)
		if err != nil {
			if err == io.EOF {
				it.exhaust()
				return false
			}
			it.err = err
			it.exhaust()
			return false
		}
		it.offset = next
		// The anchor index only gives an approximate start; skip any record
		// still short of the requested lower bound.
		if it.from != nil && bytes.Compare(k, it.from) < 0 {
			continue
		}
		if it.to != nil && bytes.Compare(k, it.to) >= 0 {
			it.exhaust()
			return false
		}
		it.key, it.value, it.tomb = k, v, ts
		return true
	}
	it.exhaust()
	return false
}

// exhaust marks the iterator done and clears the cached record fields, so
// Key() reliably signals exhaustion to callers (such as a k-way merge) that
// use it.Key() == nil as their liveness check rather than calling Next()'s
// bool return directly.
func (it *RangeIterator) exhaust() {
	it.done = true
	it.key, it.value, it.tomb = nil, nil, false
}

func (it *RangeIterator) Key() []byte     { return it.key }
func (it *RangeIterator) Value() []byte   { return it.value }
func (it *RangeIterator) Tombstone() bool { return it.tomb }
func (it *RangeIterator) Err() error      { return it.err }

// Validate opens path, then walks every record checking the trailer's
// declared count matches what's actually present and that keys are strictly
// ascending — the two invariants Open's header/trailer checksum check can't
// see on its own. Returns a *errs.CorruptSst on the first violation found.
func Validate(path string) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var prevKey []byte
	var n uint32
	offset := int64(len(magic))
	for offset < r.recordsEnd {
		key, _, _, next, err := r.readRecordAt(offset)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if prevKey != nil && bytes.Compare(key, prevKey) <= 0 {
			return &errs.CorruptSst{Path: path, Reason: "record keys not strictly ascending"}
		}
		prevKey = key
		offset = next
		n++
	}
	if n != r.count {
		return &errs.CorruptSst{Path: path, Reason: "trailer record count does not match records present"}
	}
	return nil
}
