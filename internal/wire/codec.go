package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// writer accumulates a framed payload. Every variable-length field is
// length-prefixed with a uint32, using a fixed-header + payload framing.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *writer) i64(v int64)  { var b [8]byte; binary.LittleEndian.PutUint64(b[:], uint64(v)); w.buf.Write(b[:]) }
func (w *writer) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }
func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *writer) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}
func (w *writer) str(s string) { w.bytesField([]byte(s)) }
func (w *writer) filetime(t time.Time) {
	// FILETIME: 100ns ticks since 1601-01-01.
	w.i64(toFiletime(t))
}

func (w *writer) Bytes() []byte { return w.buf.Bytes() }

type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.b) {
		r.fail(io.ErrUnexpectedEOF)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) i64() int64 {
	if !r.need(8) {
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.b[r.off:]))
	r.off += 8
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) bytesField() []byte {
	n := r.u32()
	if !r.need(int(n)) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.b[r.off:r.off+int(n)])
	r.off += int(n)
	return out
}

func (r *reader) str() string { return string(r.bytesField()) }

func (r *reader) filetime() time.Time { return fromFiletime(r.i64()) }

const filetimeEpochOffset = 116444736000000000 // 1601-01-01 to 1970-01-01 in 100ns ticks

func toFiletime(t time.Time) int64 {
	return t.UTC().UnixNano()/100 + filetimeEpochOffset
}

func fromFiletime(v int64) time.Time {
	return time.Unix(0, (v-filetimeEpochOffset)*100).UTC()
}

func encodeEpoch(w *writer, e Epoch) {
	w.i64(e.DataLossNumber)
	w.i64(e.ConfigurationNumber)
}

func decodeEpoch(r *reader) Epoch {
	return Epoch{DataLossNumber: r.i64(), ConfigurationNumber: r.i64()}
}

func encodeOperation(w *writer, op ReplicationOperation) {
	w.u32(uint32(op.Kind))
	w.str(op.Type)
	w.str(op.Key)
	w.str(op.NewKey)
	w.bytesField(op.Bytes)
	w.i64(op.OperationLsn)
	w.filetime(op.LastModifiedOnPrimaryUtc)
}

func decodeOperation(r *reader) ReplicationOperation {
	return ReplicationOperation{
		Kind:                     OperationKind(r.u32()),
		Type:                     r.str(),
		Key:                      r.str(),
		NewKey:                   r.str(),
		Bytes:                    r.bytesField(),
		OperationLsn:             r.i64(),
		LastModifiedOnPrimaryUtc: r.filetime(),
	}
}

// EncodeAtomicOperation serializes an AtomicOperation.
func EncodeAtomicOperation(op AtomicOperation) []byte {
	w := &writer{}
	w.buf.Write(op.ActivityId[:])
	w.u32(uint32(len(op.Operations)))
	for _, o := range op.Operations {
		encodeOperation(w, o)
	}
	w.i64(op.LastQuorumAckedLsn)
	return w.Bytes()
}

// DecodeAtomicOperation deserializes a buffer written by EncodeAtomicOperation.
func DecodeAtomicOperation(b []byte) (AtomicOperation, error) {
	r := newReader(b)
	var op AtomicOperation
	if !r.need(16) {
		return op, r.err
	}
	copy(op.ActivityId[:], r.b[r.off:r.off+16])
	r.off += 16
	n := r.u32()
	op.Operations = make([]ReplicationOperation, 0, n)
	for i := uint32(0); i < n; i++ {
		op.Operations = append(op.Operations, decodeOperation(r))
	}
	op.LastQuorumAckedLsn = r.i64()
	if r.err != nil {
		return AtomicOperation{}, fmt.Errorf("decode AtomicOperation: %w", r.err)
	}
	return op, nil
}

// EncodeCopyOperation serializes a CopyOperation.
func EncodeCopyOperation(op CopyOperation) []byte {
	w := &writer{}
	w.boolean(op.IsFirstFullCopyLegacy)
	w.u32(uint32(len(op.Operations)))
	for _, o := range op.Operations {
		encodeOperation(w, o)
	}
	w.u32(uint32(op.CopyType))
	if op.FileStreamData != nil {
		w.boolean(true)
		w.boolean(op.FileStreamData.IsFirstChunk)
		w.boolean(op.FileStreamData.IsLastChunk)
		w.bytesField(op.FileStreamData.Bytes)
		w.i64(op.FileStreamData.Lsn)
	} else {
		w.boolean(false)
	}
	return w.Bytes()
}

// DecodeCopyOperation deserializes a buffer written by EncodeCopyOperation.
func DecodeCopyOperation(b []byte) (CopyOperation, error) {
	r := newReader(b)
	var op CopyOperation
	op.IsFirstFullCopyLegacy = r.boolean()
	n := r.u32()
	op.Operations = make([]ReplicationOperation, 0, n)
	for i := uint32(0); i < n; i++ {
		op.Operations = append(op.Operations, decodeOperation(r))
	}
	op.CopyType = CopyType(r.u32())
	if r.boolean() {
		op.FileStreamData = &FileStreamCopyOperationData{
			IsFirstChunk: r.boolean(),
			IsLastChunk:  r.boolean(),
			Bytes:        r.bytesField(),
			Lsn:          r.i64(),
		}
	}
	if r.err != nil {
		return CopyOperation{}, fmt.Errorf("decode CopyOperation: %w", r.err)
	}
	return op, nil
}

// EncodeCopyContextData serializes a CopyContextData.
func EncodeCopyContextData(c CopyContextData) []byte {
	w := &writer{}
	w.str(c.ID)
	w.boolean(c.IsEpochValid)
	encodeEpoch(w, c.Epoch)
	w.i64(c.LastOperationLsn)
	w.u64(c.ReplicaID)
	w.boolean(c.IsFileStreamFullCopySupported)
	return w.Bytes()
}

// DecodeCopyContextData deserializes a buffer written by EncodeCopyContextData.
func DecodeCopyContextData(b []byte) (CopyContextData, error) {
	r := newReader(b)
	c := CopyContextData{
		ID:           r.str(),
		IsEpochValid: r.boolean(),
	}
	c.Epoch = decodeEpoch(r)
	c.LastOperationLsn = r.i64()
	c.ReplicaID = r.u64()
	c.IsFileStreamFullCopySupported = r.boolean()
	if r.err != nil {
		return CopyContextData{}, fmt.Errorf("decode CopyContextData: %w", r.err)
	}
	return c, nil
}
