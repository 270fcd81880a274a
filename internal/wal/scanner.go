package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/walnutdb/walnutdb/internal/errs"
)

// FrameRecord is one decoded frame yielded by a scan, with its byte offset
// and the offset immediately after it (the next frame's start, or the
// last-known-good end-of-commit marker).
type FrameRecord struct {
	Offset     int64
	NextOffset int64
	Op         Opcode
	Payload    []byte
}

// ScanResult summarizes a forward pass over a WAL file, per the diagnostic
// contract: frame counts by opcode, table identifiers seen, pending
// transaction ids at EOF, and whether the tail needs truncation.
type ScanResult struct {
	FrameCounts     map[Opcode]int
	TablesSeen      map[string]struct{}
	PendingTxAtEOF  map[uint64]struct{}
	LastGoodOffset  int64
	NeedsTruncation bool
	TailFrames      []FrameRecord // last N frames read, for the CLI's tailHistory view
}

// Scan reads path forward from the start, decoding frames until EOF or the
// first checksum/length failure. apply, if non-nil, is invoked for every
// frame belonging to a transaction whose Commit frame was itself intact and
// part of the committed prefix — i.e. recovery replay. Scan always computes
// the full diagnostic ScanResult regardless of apply.
//
// Built from scratch for transaction-aware replay: buffers frames per
// pending transaction and only invokes apply once that transaction's Commit
// frame is itself intact, rather than recovering raw key/value pairs with no
// opcode/transaction structure.
func Scan(path string, apply func(FrameRecord)) (*ScanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScanResult{FrameCounts: map[Opcode]int{}, TablesSeen: map[string]struct{}{}, PendingTxAtEOF: map[uint64]struct{}{}}, nil
		}
		return nil, &errs.IoFailure{Op: "open wal for scan", Err: err}
	}
	defer f.Close()

	result := &ScanResult{
		FrameCounts:    map[Opcode]int{},
		TablesSeen:     map[string]struct{}{},
		PendingTxAtEOF: map[uint64]struct{}{},
	}

	var offset int64
	var pendingFrames []FrameRecord // frames of transactions not yet committed
	const tailKeep = 20

	header := make([]byte, frameHeaderSize)
	for {
		n, err := io.ReadFull(f, header)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil {
			// Partial header: the tail is torn, not corrupt-but-checksummed.
			result.NeedsTruncation = true
			break
		}

		op := Opcode(header[0])
		payloadLen := binary.LittleEndian.Uint32(header[1:5])
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			result.NeedsTruncation = true
			break
		}
		trailer := make([]byte, frameTrailerSize)
		if _, err := io.ReadFull(f, trailer); err != nil {
			result.NeedsTruncation = true
			break
		}
		expect := binary.LittleEndian.Uint32(trailer)
		got := crc32.Checksum(append(header, payload...), crcTable)
		if expect != got {
			result.NeedsTruncation = true
			break
		}

		frameLen := int64(frameHeaderSize + int(payloadLen) + frameTrailerSize)
		rec := FrameRecord{Offset: offset, NextOffset: offset + frameLen, Op: op, Payload: payload}
		offset += frameLen

		result.FrameCounts[op]++
		if table, ok := tableOf(op, payload); ok {
			result.TablesSeen[table] = struct{}{}
		}

		pendingFrames = append(pendingFrames, rec)
		if op == OpCommit {
			if apply != nil {
				for _, pf := range pendingFrames {
					apply(pf)
				}
			}
			pendingFrames = nil
			result.LastGoodOffset = offset
		}

		result.TailFrames = append(result.TailFrames, rec)
		if len(result.TailFrames) > tailKeep {
			result.TailFrames = result.TailFrames[1:]
		}
	}

	if offset != result.LastGoodOffset {
		result.NeedsTruncation = true
	}
	for _, pf := range pendingFrames {
		if pf.Op == OpBegin {
			txID, err := DecodeTxID(pf.Payload)
			if err == nil {
				result.PendingTxAtEOF[txID] = struct{}{}
			}
		}
	}

	return result, nil
}

func tableOf(op Opcode, payload []byte) (string, bool) {
	switch op {
	case OpPut:
		f, err := DecodePut(payload)
		if err != nil {
			return "", false
		}
		return f.Table, true
	case OpDelete:
		f, err := DecodeDelete(payload)
		if err != nil {
			return "", false
		}
		return f.Table, true
	case OpDropTable:
		t, err := DecodeDropTable(payload)
		if err != nil {
			return "", false
		}
		return t, true
	default:
		return "", false
	}
}

// Truncate truncates the WAL file at path to offset, discarding any torn or
// corrupt tail. Used during recovery before the writer re-opens the file
// for appends.
func Truncate(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &errs.IoFailure{Op: "open wal for truncate", Err: err}
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return &errs.IoFailure{Op: "truncate wal", Err: err}
	}
	return nil
}
