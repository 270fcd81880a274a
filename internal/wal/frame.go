// Package wal implements WalnutDB's write-ahead log: frame encoding, a
// group-commit writer, and a forward scanner used both by recovery and by
// the diagnostic CLI.
//
// Built on checksummed, length-prefixed record framing and a background
// sync loop, generalized from a single untyped key/value record to the
// opcode catalogue WalnutDB needs, with field ordering and durability-mode
// shape following common WAL conventions.
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/walnutdb/walnutdb/internal/errs"
)

// Opcode tags a WAL frame's logical operation. Values are part of the
// on-disk format and must never change once chosen.
type Opcode uint8

const (
	OpBegin     Opcode = 1
	OpPut       Opcode = 2
	OpDelete    Opcode = 3
	OpDropTable Opcode = 4
	OpCommit    Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpBegin:
		return "Begin"
	case OpPut:
		return "Put"
	case OpDelete:
		return "Delete"
	case OpDropTable:
		return "DropTable"
	case OpCommit:
		return "Commit"
	default:
		return "Unknown"
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// frameHeaderSize is the on-disk size of opcode(1) + payloadLen(4).
const frameHeaderSize = 5

// frameTrailerSize is the on-disk size of the trailing CRC.
const frameTrailerSize = 4

// encodeFrame produces opcode:u8, payloadLen:u32-LE, payload, crc32:u32-LE
// where the CRC covers opcode+payloadLen+payload.
func encodeFrame(op Opcode, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload)+frameTrailerSize)
	out[0] = byte(op)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	sum := crc32.Checksum(out[:frameHeaderSize+len(payload)], crcTable)
	binary.LittleEndian.PutUint32(out[frameHeaderSize+len(payload):], sum)
	return out
}

// Payload builders. Each returns the frame's payload bytes (not yet
// checksummed/length-prefixed); encodeFrame wraps them.

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeU64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, &errs.CorruptWal{Reason: "truncated u64 field"}
	}
	return binary.LittleEndian.Uint64(b), nil
}

// BeginPayload encodes a Begin{txId} frame's payload.
func BeginPayload(txID uint64) []byte { return encodeU64(txID) }

// CommitPayload encodes a Commit{txId} frame's payload.
func CommitPayload(txID uint64) []byte { return encodeU64(txID) }

// DropTablePayload encodes a DropTable{tableId} frame's payload. tableId is
// the table's name, length-prefixed.
func DropTablePayload(table string) []byte {
	tb := []byte(table)
	out := make([]byte, 4+len(tb))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(tb)))
	copy(out[4:], tb)
	return out
}

// PutPayload encodes a Put{txId, table, key, value} frame's payload:
// txId:u64-LE, tableLen:u32-LE, table, keyLen:u32-LE, key, valueLen:u32-LE,
// value.
func PutPayload(txID uint64, table string, key, value []byte) []byte {
	tb := []byte(table)
	out := make([]byte, 0, 8+4+len(tb)+4+len(key)+4+len(value))
	out = append(out, encodeU64(txID)...)
	out = appendLenPrefixed(out, tb)
	out = appendLenPrefixed(out, key)
	out = appendLenPrefixed(out, value)
	return out
}

// DeletePayload encodes a Delete{txId, table, key} frame's payload.
func DeletePayload(txID uint64, table string, key []byte) []byte {
	tb := []byte(table)
	out := make([]byte, 0, 8+4+len(tb)+4+len(key))
	out = append(out, encodeU64(txID)...)
	out = appendLenPrefixed(out, tb)
	out = appendLenPrefixed(out, key)
	return out
}

func appendLenPrefixed(out []byte, b []byte) []byte {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
	out = append(out, lb[:]...)
	out = append(out, b...)
	return out
}

func readLenPrefixed(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, &errs.CorruptWal{Reason: "truncated length-prefixed field"}
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, &errs.CorruptWal{Reason: "length-prefixed field exceeds remaining payload"}
	}
	return b[:n], b[n:], nil
}

// PutFields is the decoded payload of a Put frame.
type PutFields struct {
	TxID  uint64
	Table string
	Key   []byte
	Value []byte
}

// DecodePut decodes a Put frame's payload.
func DecodePut(payload []byte) (PutFields, error) {
	txID, err := decodeU64(payload)
	if err != nil {
		return PutFields{}, err
	}
	rest := payload[8:]
	table, rest, err := readLenPrefixed(rest)
	if err != nil {
		return PutFields{}, err
	}
	key, rest, err := readLenPrefixed(rest)
	if err != nil {
		return PutFields{}, err
	}
	value, _, err := readLenPrefixed(rest)
	if err != nil {
		return PutFields{}, err
	}
	return PutFields{TxID: txID, Table: string(table), Key: key, Value: value}, nil
}

// DeleteFields is the decoded payload of a Delete frame.
type DeleteFields struct {
	TxID  uint64
	Table string
	Key   []byte
}

// DecodeDelete decodes a Delete frame's payload.
func DecodeDelete(payload []byte) (DeleteFields, error) {
	txID, err := decodeU64(payload)
	if err != nil {
		return DeleteFields{}, err
	}
	rest := payload[8:]
	table, rest, err := readLenPrefixed(rest)
	if err != nil {
		return DeleteFields{}, err
	}
	key, _, err := readLenPrefixed(rest)
	if err != nil {
		return DeleteFields{}, err
	}
	return DeleteFields{TxID: txID, Table: string(table), Key: key}, nil
}

// DecodeDropTable decodes a DropTable frame's payload.
func DecodeDropTable(payload []byte) (string, error) {
	table, _, err := readLenPrefixed(payload)
	if err != nil {
		return "", err
	}
	return string(table), nil
}

// DecodeTxID decodes a Begin or Commit frame's payload.
func DecodeTxID(payload []byte) (uint64, error) {
	return decodeU64(payload)
}
