package localstore

import (
	"bytes"
	"encoding/binary"
)

// Pebble key-space layout. Two families share one keyspace:
//
//	'R' || type || 0x00 || key                -> RowValue   (primary rows, ordered by type then key)
//	'L' || big-endian(lsn) || big-endian(seq)  -> primary row key (LSN index, used by EnumerateByOperationLSN)
//
// The LSN index is maintained inside the same pebble batch as the row
// write (see tx.go), so the primary row and its LSN index entry always
// land together or not at all.
const (
	rowPrefix = 'R'
	lsnPrefix = 'L'
)

func rowKey(typ, key string) []byte {
	buf := make([]byte, 0, 1+len(typ)+1+len(key))
	buf = append(buf, rowPrefix)
	buf = append(buf, typ...)
	buf = append(buf, 0x00)
	buf = append(buf, key...)
	return buf
}

// rowTypePrefix returns the key prefix bounding all rows of a given type.
func rowTypePrefix(typ string) []byte {
	buf := make([]byte, 0, 1+len(typ)+1)
	buf = append(buf, rowPrefix)
	buf = append(buf, typ...)
	buf = append(buf, 0x00)
	return buf
}

// rowTypeAndKeyPrefix bounds the scan at keyPrefix within typ.
func rowTypeAndKeyPrefix(typ, keyPrefix string) []byte {
	buf := make([]byte, 0, 1+len(typ)+1+len(keyPrefix))
	buf = append(buf, rowPrefix)
	buf = append(buf, typ...)
	buf = append(buf, 0x00)
	buf = append(buf, keyPrefix...)
	return buf
}

func splitRowKey(k []byte) (typ, key string) {
	k = k[1:] // strip rowPrefix
	i := bytes.IndexByte(k, 0x00)
	if i < 0 {
		return string(k), ""
	}
	return string(k[:i]), string(k[i+1:])
}

func lsnIndexKey(lsn uint64, seq uint32) []byte {
	buf := make([]byte, 1+8+4)
	buf[0] = lsnPrefix
	binary.BigEndian.PutUint64(buf[1:9], lsn)
	binary.BigEndian.PutUint32(buf[9:13], seq)
	return buf
}

func lsnIndexLowerBound(lsn uint64) []byte {
	buf := make([]byte, 1+8)
	buf[0] = lsnPrefix
	binary.BigEndian.PutUint64(buf[1:9], lsn)
	return buf
}

// upperBound returns the smallest key strictly greater than every key with
// prefix p, i.e. the exclusive end of a prefix scan.
func upperBound(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xFF: unbounded above
}
