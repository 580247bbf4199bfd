// Package evolvable encodes records with an explicit implementation version
// so members running different releases can exchange them.
//
// A record is a protobuf-framed field list whose first field carries the
// writer's implementation version. Readers hand each field to the record and
// keep the ones it does not recognise, so re-encoding a newer record with an
// older implementation preserves the newer fields.
package evolvable

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// VersionField is the reserved field number holding the implementation version.
const VersionField protowire.Number = 1

var (
	// ErrMalformed indicates the payload is not a valid field list.
	ErrMalformed = errors.New("evolvable: malformed payload")
	// ErrWireType indicates a known field arrived with an unexpected wire type.
	ErrWireType = errors.New("evolvable: unexpected wire type")
)

// Record is implemented by every versioned type.
type Record interface {
	// ImplVersion is the version this implementation writes.
	ImplVersion() int32
	// AppendFields writes the payload fields (numbers above VersionField).
	AppendFields(enc *Encoder)
	// DecodeField consumes one field written by dataVersion. It reports false
	// for fields it does not know.
	DecodeField(dataVersion int32, f Field) (bool, error)
}

// Evolution is embedded by records that retain the data version and fields
// written by a newer implementation.
type Evolution struct {
	dataVersion int32
	future      []byte
}

// DataVersion returns the version of the payload this record was decoded from.
func (e *Evolution) DataVersion() int32 {
	return e.dataVersion
}

// HasFutureData reports whether decoding kept fields unknown to this release.
func (e *Evolution) HasFutureData() bool {
	return len(e.future) > 0
}

func (e *Evolution) evolution() *Evolution {
	return e
}

type evolving interface {
	evolution() *Evolution
}

// Marshal encodes r.
func Marshal(r Record) []byte {
	version := r.ImplVersion()
	var ev *Evolution
	if holder, ok := r.(evolving); ok {
		ev = holder.evolution()
		if ev.dataVersion > version {
			version = ev.dataVersion
		}
	}
	enc := &Encoder{}
	enc.buf = protowire.AppendTag(enc.buf, VersionField, protowire.VarintType)
	enc.buf = protowire.AppendVarint(enc.buf, uint64(version))
	r.AppendFields(enc)
	if ev != nil && len(ev.future) > 0 {
		enc.buf = append(enc.buf, ev.future...)
	}
	return enc.buf
}

// Unmarshal decodes data into r and returns the data version. Payloads
// without a version field decode as version 0.
func Unmarshal(data []byte, r Record) (int32, error) {
	var ev *Evolution
	if holder, ok := r.(evolving); ok {
		ev = holder.evolution()
		ev.future = nil
		ev.dataVersion = 0
	}
	var version int32
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return version, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, data[n:])
		if m < 0 {
			return version, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		whole := data[:n+m]
		raw := data[n : n+m]
		data = data[n+m:]
		if num == VersionField {
			if typ != protowire.VarintType {
				return version, fmt.Errorf("%w: version field", ErrWireType)
			}
			v, _ := protowire.ConsumeVarint(raw)
			version = int32(v)
			continue
		}
		known, err := r.DecodeField(version, Field{Num: num, Type: typ, raw: raw})
		if err != nil {
			return version, err
		}
		if !known && ev != nil {
			ev.future = append(ev.future, whole...)
		}
	}
	if ev != nil {
		ev.dataVersion = version
	}
	return version, nil
}

// Encoder appends fields to a record payload.
type Encoder struct {
	buf []byte
}

// Int64 writes a zig-zag encoded signed integer.
func (e *Encoder) Int64(num protowire.Number, v int64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

// Uint64 writes an unsigned integer.
func (e *Encoder) Uint64(num protowire.Number, v uint64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// Bool writes a boolean.
func (e *Encoder) Bool(num protowire.Number, v bool) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeBool(v))
}

// Text writes a UTF-8 string.
func (e *Encoder) Text(num protowire.Number, v string) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

// Bytes writes an opaque byte slice.
func (e *Encoder) Bytes(num protowire.Number, v []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

// Record writes a nested versioned record.
func (e *Encoder) Record(num protowire.Number, r Record) {
	e.Bytes(num, Marshal(r))
}

// Field is one decoded field handed to Record.DecodeField.
type Field struct {
	Num  protowire.Number
	Type protowire.Type
	raw  []byte
}

func (f Field) varint() (uint64, error) {
	if f.Type != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d is %v", ErrWireType, f.Num, f.Type)
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.Num, protowire.ParseError(n))
	}
	return v, nil
}

func (f Field) bytes() ([]byte, error) {
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d is %v", ErrWireType, f.Num, f.Type)
	}
	v, n := protowire.ConsumeBytes(f.raw)
	if n < 0 {
		return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.Num, protowire.ParseError(n))
	}
	return v, nil
}

// Int64 decodes a zig-zag signed integer.
func (f Field) Int64() (int64, error) {
	v, err := f.varint()
	return protowire.DecodeZigZag(v), err
}

// Uint64 decodes an unsigned integer.
func (f Field) Uint64() (uint64, error) {
	return f.varint()
}

// Bool decodes a boolean.
func (f Field) Bool() (bool, error) {
	v, err := f.varint()
	return protowire.DecodeBool(v), err
}

// Text decodes a string.
func (f Field) Text() (string, error) {
	v, err := f.bytes()
	return string(v), err
}

// Bytes decodes a byte slice. The result is a copy.
func (f Field) Bytes() ([]byte, error) {
	v, err := f.bytes()
	if err != nil {
		return nil, err
	}
	return append([]byte{}, v...), nil
}

// Record decodes a nested versioned record into r.
func (f Field) Record(r Record) error {
	v, err := f.bytes()
	if err != nil {
		return err
	}
	_, err = Unmarshal(v, r)
	return err
}
