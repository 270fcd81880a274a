package table

import (
	"encoding/binary"
	"sort"

	"github.com/walnutdb/walnutdb/internal/errs"
)

// A primary row's stored value is wrapped in a small envelope carrying, next
// to the caller's opaque row bytes, the value-prefix each declared index
// last encoded from that row. Deriving a prior index entry during Upsert
// needs that prefix, and since decoding a row back into typed attributes is
// out of scope for this layer, the Table layer carries the prefixes itself
// rather than asking the caller to re-supply the old row's attribute values
// on every write.
//
// Wire format: rowLen:u32-LE, row, indexCount:u16-LE, then per index
// nameLen:u16-LE, name, prefixLen:u16-LE, prefix — mirroring
// internal/codec's own length-prefixed composite-key convention.
func encodeEnvelope(row []byte, prefixes map[string][]byte) []byte {
	names := make([]string, 0, len(prefixes))
	for n := range prefixes {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]byte, 0, 4+len(row)+2)
	var lb4 [4]byte
	binary.LittleEndian.PutUint32(lb4[:], uint32(len(row)))
	out = append(out, lb4[:]...)
	out = append(out, row...)

	var lb2 [2]byte
	binary.LittleEndian.PutUint16(lb2[:], uint16(len(names)))
	out = append(out, lb2[:]...)
	for _, name := range names {
		out = appendU16Prefixed(out, []byte(name))
		out = appendU16Prefixed(out, prefixes[name])
	}
	return out
}

func appendU16Prefixed(out []byte, b []byte) []byte {
	var lb [2]byte
	binary.LittleEndian.PutUint16(lb[:], uint16(len(b)))
	out = append(out, lb[:]...)
	return append(out, b...)
}

func readU16Prefixed(b []byte) (field, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, &errs.InvalidArgument{What: "truncated row envelope field"}
	}
	n := binary.LittleEndian.Uint16(b)
	b = b[2:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, &errs.InvalidArgument{What: "row envelope field exceeds remaining bytes"}
	}
	return b[:n], b[n:], nil
}

func decodeEnvelope(data []byte) (row []byte, prefixes map[string][]byte, err error) {
	if len(data) < 4 {
		return nil, nil, &errs.InvalidArgument{What: "truncated row envelope"}
	}
	rowLen := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(rowLen) {
		return nil, nil, &errs.InvalidArgument{What: "row envelope row length exceeds remaining bytes"}
	}
	row = data[:rowLen]
	data = data[rowLen:]

	if len(data) < 2 {
		return nil, nil, &errs.InvalidArgument{What: "truncated row envelope index count"}
	}
	count := binary.LittleEndian.Uint16(data)
	data = data[2:]

	prefixes = make(map[string][]byte, count)
	for i := uint16(0); i < count; i++ {
		var name, prefix []byte
		name, data, err = readU16Prefixed(data)
		if err != nil {
			return nil, nil, err
		}
		prefix, data, err = readU16Prefixed(data)
		if err != nil {
			return nil, nil, err
		}
		prefixes[string(name)] = prefix
	}
	return row, prefixes, nil
}
