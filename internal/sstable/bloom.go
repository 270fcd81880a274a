package sstable

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"io"
	"math"
	"os"

	"github.com/walnutdb/walnutdb/internal/errs"
)

// BloomFilter is a probabilistic set-membership filter letting a Reader
// skip a full TryGet scan when a key is definitely absent. Adapted from the
// teacher's internal/sstable/bloom.go, which hand-rolled a natural-log
// Taylor-series approximation for its bit-count formula — replaced here
// with stdlib math.Log, since there is no reason to avoid it in a from-
// scratch rewrite.
type BloomFilter struct {
	bits     []byte
	bitCount uint32
	hashFunc []hash.Hash32
}

// NewBloomFilter sizes a filter for capacity elements at the given false
// positive rate (e.g. 0.01 for 1%).
func NewBloomFilter(capacity uint32, falsePositiveRate float64) *BloomFilter {
	if capacity == 0 {
		capacity = 1
	}
	bitCount := uint32(float64(capacity) * (-math.Log(falsePositiveRate)) / (math.Ln2 * math.Ln2))
	byteCount := (bitCount + 7) / 8
	if byteCount == 0 {
		byteCount = 1
	}
	bitCount = byteCount * 8

	hashCount := int((float64(bitCount) / float64(capacity)) * math.Ln2)
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 10 {
		hashCount = 10
	}

	hashFuncs := make([]hash.Hash32, hashCount)
	for i := range hashFuncs {
		hashFuncs[i] = fnv.New32a()
	}

	return &BloomFilter{bits: make([]byte, byteCount), bitCount: bitCount, hashFunc: hashFuncs}
}

// Add records key's membership.
func (bf *BloomFilter) Add(key []byte) {
	for _, h := range bf.hashFunc {
		h.Reset()
		h.Write(key)
		bit := h.Sum32() % bf.bitCount
		bf.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether key might be a member (false positives
// possible, false negatives are not).
func (bf *BloomFilter) MayContain(key []byte) bool {
	for _, h := range bf.hashFunc {
		h.Reset()
		h.Write(key)
		bit := h.Sum32() % bf.bitCount
		if bf.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// serialize encodes the filter as bitCount(4) | hashCount(4) | bits.
func (bf *BloomFilter) serialize() []byte {
	out := make([]byte, 8+len(bf.bits))
	binary.LittleEndian.PutUint32(out[0:4], bf.bitCount)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(bf.hashFunc)))
	copy(out[8:], bf.bits)
	return out
}

func deserializeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, io.ErrUnexpectedEOF
	}
	bitCount := binary.LittleEndian.Uint32(data[0:4])
	hashCount := binary.LittleEndian.Uint32(data[4:8])
	byteCount := (bitCount + 7) / 8
	if uint64(len(data)) < 8+uint64(byteCount) {
		return nil, io.ErrUnexpectedEOF
	}
	bits := make([]byte, byteCount)
	copy(bits, data[8:8+byteCount])

	hashFuncs := make([]hash.Hash32, hashCount)
	for i := range hashFuncs {
		hashFuncs[i] = fnv.New32a()
	}
	return &BloomFilter{bits: bits, bitCount: bitCount, hashFunc: hashFuncs}, nil
}

func writeBloomFile(path string, bf *BloomFilter) error {
	if err := os.WriteFile(path, bf.serialize(), 0644); err != nil {
		return &errs.IoFailure{Op: "write sst bloom sidecar", Err: err}
	}
	return nil
}

// loadBloomFile returns nil (not an error) on any absence or corruption —
// the reader falls back to the anchor index or a full scan.
func loadBloomFile(path string) *BloomFilter {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	bf, err := deserializeBloomFilter(data)
	if err != nil {
		return nil
	}
	return bf
}
