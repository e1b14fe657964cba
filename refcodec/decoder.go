// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package refcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// A Decoder decodes objects written by an Encoder. Cache lists loaded
// by LoadCache accumulate across inputs; references are resolved
// against all lists loaded so far.
//
// Primitive readers do not return errors. Instead, the first error
// encountered is retained and returned by Err, and subsequent reads
// return zero values.
type Decoder struct {
	r     io.Reader
	body  []byte
	pos   int
	err   error
	table map[string][]Object
	memo  []Object
}

// NewDecoder returns a decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, table: make(map[string][]Object)}
}

// SetInput redirects subsequent reads to r. Loaded cache lists are
// retained.
func (d *Decoder) SetInput(r io.Reader) {
	d.r = r
}

// Fork returns a new decoder that shares this decoder's loaded cache
// lists but has its own input. Cache lists loaded by either decoder
// after the fork are not visible to the other.
func (d *Decoder) Fork(r io.Reader) *Decoder {
	table := make(map[string][]Object, len(d.table))
	for name, list := range d.table {
		table[name] = list[:len(list):len(list)]
	}
	return &Decoder{r: r, table: table}
}

// CacheLen returns the number of objects loaded into cache list name.
func (d *Decoder) CacheLen(name string) int {
	return len(d.table[name])
}

// Preload appends objs to cache list name as if they had been decoded
// by LoadCache, so that references into the list resolve to objects
// that are already in memory. The objects must be in the order in
// which they were cached by the encoder.
func (d *Decoder) Preload(name string, objs ...Object) {
	d.table[name] = append(d.table[name][:len(d.table[name]):len(d.table[name])], objs...)
}

// readerByteReader is used to provide an (invalid) implementation of
// io.ByteReader so that frame headers can be read without buffering,
// leaving the underlying stream positioned at the end of each frame.
type readerByteReader struct {
	io.Reader
	buf [1]byte
}

func (r *readerByteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(r.Reader, r.buf[:])
	return r.buf[0], err
}

func (d *Decoder) readFrame(kind byte) error {
	br := &readerByteReader{Reader: d.r}
	n, err := binary.ReadUvarint(br)
	if err == io.EOF {
		return io.EOF
	}
	if err != nil {
		return errors.E(errors.Integrity, "refcodec: read frame header", err)
	}
	if n == 0 || n > maxFrameSize {
		return errors.E(errors.Integrity, fmt.Sprintf("refcodec: invalid frame size %d", n))
	}
	// The buffer grows with the bytes actually read, so a corrupt
	// length cannot force a large allocation up front.
	var buf bytes.Buffer
	if n < frameChunk {
		buf.Grow(int(n) + 4)
	} else {
		buf.Grow(frameChunk)
	}
	m, err := io.CopyN(&buf, d.r, int64(n)+4)
	if m < int64(n)+4 {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.E(errors.Integrity, fmt.Sprintf("refcodec: read frame: got %d of %d bytes", m, n+4), err)
	}
	p := buf.Bytes()
	body, sum := p[:n], binary.LittleEndian.Uint32(p[n:])
	if got := murmur3.Sum32(body); got != sum {
		return errors.E(errors.Integrity, fmt.Sprintf("refcodec: checksum mismatch: got %x, want %x", got, sum))
	}
	if body[0] != kind {
		return errors.E(errors.Integrity, fmt.Sprintf("refcodec: unexpected frame kind %q, want %q", body[0], kind))
	}
	d.body = body[1:]
	d.pos = 0
	d.err = nil
	d.memo = d.memo[:0]
	return nil
}

func (d *Decoder) finishFrame() error {
	if d.err == nil && d.pos != len(d.body) {
		d.err = errors.E(errors.Integrity, fmt.Sprintf("refcodec: %d trailing bytes in frame", len(d.body)-d.pos))
	}
	err := d.err
	d.body = nil
	d.pos = 0
	d.err = nil
	d.memo = d.memo[:0]
	return err
}

// Load decodes the next top-level value. Load returns io.EOF when the
// input is exhausted at a frame boundary.
func (d *Decoder) Load() (Object, error) {
	if err := d.readFrame(frameValue); err != nil {
		return nil, err
	}
	obj := d.Ref()
	if err := d.finishFrame(); err != nil {
		return nil, err
	}
	return obj, nil
}

// LoadCache decodes the next cache list and appends its objects to
// the list of the same name. It returns the name of the list.
func (d *Decoder) LoadCache() (string, error) {
	if err := d.readFrame(frameCache); err != nil {
		return "", err
	}
	name := d.String()
	base := d.Uvarint()
	n := d.Len()
	if d.err != nil {
		return "", d.finishFrame()
	}
	if int(base) != len(d.table[name]) {
		d.finishFrame()
		return "", corruptCache("list %q continues at %d, have %d objects", name, base, len(d.table[name]))
	}
	objs := make([]Object, n)
	for i := range objs {
		typ := d.String()
		if d.err != nil {
			return "", d.finishFrame()
		}
		obj, err := newObject(typ)
		if err != nil {
			d.finishFrame()
			return "", err
		}
		objs[i] = obj
	}
	d.table[name] = append(d.table[name], objs...)
	for _, obj := range objs {
		if err := obj.UnmarshalRef(d); err != nil {
			d.Fail(err)
		}
		if d.err != nil {
			break
		}
	}
	if err := d.finishFrame(); err != nil {
		d.table[name] = d.table[name][:len(d.table[name])-n]
		return "", err
	}
	return name, nil
}

// Err returns the first error encountered while decoding the current
// frame.
func (d *Decoder) Err() error {
	return d.err
}

// Fail records err as the decoder's error, unless an error was
// already recorded.
func (d *Decoder) Fail(err error) {
	if d.err == nil && err != nil {
		d.err = err
	}
}

func (d *Decoder) short(what string) {
	d.Fail(errors.E(errors.Integrity, fmt.Sprintf("refcodec: short frame reading %s", what)))
}

// Ref reads an object reference.
func (d *Decoder) Ref() Object {
	switch tag := d.readByte(); tag {
	case tagNil:
		return nil
	case tagInline:
		name := d.String()
		if d.err != nil {
			return nil
		}
		obj, err := newObject(name)
		if err != nil {
			d.Fail(err)
			return nil
		}
		d.memo = append(d.memo, obj)
		if err := obj.UnmarshalRef(d); err != nil {
			d.Fail(err)
		}
		return obj
	case tagMemo:
		i := d.Uvarint()
		if d.err != nil {
			return nil
		}
		if i >= uint64(len(d.memo)) {
			d.Fail(errors.E(errors.Integrity, fmt.Sprintf("refcodec: memo index %d out of range", i)))
			return nil
		}
		return d.memo[i]
	case tagCache:
		name := d.String()
		i := d.Uvarint()
		if d.err != nil {
			return nil
		}
		list, ok := d.table[name]
		if !ok {
			d.Fail(corruptCache("unknown list %q", name))
			return nil
		}
		if i >= uint64(len(list)) {
			d.Fail(corruptCache("index %d out of range of list %q (%d objects)", i, name, len(list)))
			return nil
		}
		return list[i]
	default:
		if d.err == nil {
			d.Fail(errors.E(errors.Integrity, fmt.Sprintf("refcodec: invalid tag %d", tag)))
		}
		return nil
	}
}

// RefInto reads an object reference and stores it in the pointer
// dst, which must point to a variable of the object's type or of an
// interface type the object implements.
func (d *Decoder) RefInto(dst interface{}) {
	obj := d.Ref()
	if d.err != nil {
		return
	}
	v := reflect.ValueOf(dst).Elem()
	if obj == nil {
		v.Set(reflect.Zero(v.Type()))
		return
	}
	ov := reflect.ValueOf(obj)
	if !ov.Type().AssignableTo(v.Type()) {
		d.Fail(errors.E(errors.Integrity, fmt.Sprintf("refcodec: decoded %T, want %v", obj, v.Type())))
		return
	}
	v.Set(ov)
}

func (d *Decoder) readByte() byte {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.body) {
		d.short("byte")
		return 0
	}
	b := d.body[d.pos]
	d.pos++
	return b
}

// Uvarint reads an unsigned integer.
func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.body[d.pos:])
	if n <= 0 {
		d.short("uvarint")
		return 0
	}
	d.pos += n
	return v
}

// Varint reads a signed integer.
func (d *Decoder) Varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.body[d.pos:])
	if n <= 0 {
		d.short("varint")
		return 0
	}
	d.pos += n
	return v
}

// Int reads an int.
func (d *Decoder) Int() int {
	return int(d.Varint())
}

// Len reads a collection length. Lengths larger than the remainder of
// the frame are rejected, since every element occupies at least one
// byte.
func (d *Decoder) Len() int {
	n := d.Uvarint()
	if d.err != nil {
		return 0
	}
	if n > uint64(len(d.body)-d.pos) {
		d.Fail(errors.E(errors.Integrity, fmt.Sprintf("refcodec: length %d exceeds frame", n)))
		return 0
	}
	return int(n)
}

// Bool reads a boolean.
func (d *Decoder) Bool() bool {
	return d.readByte() != 0
}

// Float64 reads a float64.
func (d *Decoder) Float64() float64 {
	if d.err != nil {
		return 0
	}
	if len(d.body)-d.pos < 8 {
		d.short("float64")
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.body[d.pos:]))
	d.pos += 8
	return v
}

// Bytes reads a byte slice.
func (d *Decoder) Bytes() []byte {
	n := d.Len()
	if d.err != nil {
		return nil
	}
	p := make([]byte, n)
	copy(p, d.body[d.pos:])
	d.pos += n
	return p
}

// String reads a string.
func (d *Decoder) String() string {
	n := d.Len()
	if d.err != nil {
		return ""
	}
	s := string(d.body[d.pos : d.pos+n])
	d.pos += n
	return s
}

// StringMap reads a string map. Empty maps decode as nil.
func (d *Decoder) StringMap() map[string]string {
	n := d.Len()
	if d.err != nil || n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := d.String()
		m[k] = d.String()
	}
	if d.err != nil {
		return nil
	}
	return m
}
