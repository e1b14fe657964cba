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
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

type cacheRef struct {
	name  string
	index int
}

// An Encoder serializes objects into an io.Writer. Cache
// registrations persist for the lifetime of the Encoder, across
// calls to SetOutput.
type Encoder struct {
	w       io.Writer
	buf     bytes.Buffer
	scratch [binary.MaxVarintLen64]byte

	// refs maps every cached object to its cache reference.
	refs map[Object]cacheRef
	// next is the index of the next object in each cache list.
	next map[string]int
	// pending holds the objects not yet dumped, per cache list.
	pending map[string][]Object
	// inlined records every object whose full encoding was written.
	inlined map[Object]bool
	memo    map[Object]int
	active  bool
}

// NewEncoder returns an encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:       w,
		refs:    make(map[Object]cacheRef),
		next:    make(map[string]int),
		pending: make(map[string][]Object),
		inlined: make(map[Object]bool),
		memo:    make(map[Object]int),
	}
}

// SetOutput redirects subsequent frames to w. Cache registrations
// are retained.
func (e *Encoder) SetOutput(w io.Writer) {
	e.w = w
}

// Cache registers obj in the cache list name. Every subsequent
// reference to obj is encoded as a tag into this list. Objects must
// be cached before they are serialized through any path; caching an
// object twice under the same name is a no-op.
func (e *Encoder) Cache(obj Object, name string) error {
	if isNil(obj) {
		return errors.E(errors.Invalid, "refcodec: cannot cache nil object")
	}
	if _, err := typeName(obj); err != nil {
		return err
	}
	if ref, ok := e.refs[obj]; ok {
		if ref.name == name {
			return nil
		}
		return errors.E(errors.Precondition,
			fmt.Sprintf("refcodec: object %p already cached in %q", obj, ref.name))
	}
	if e.inlined[obj] {
		return errors.E(errors.Precondition,
			fmt.Sprintf("refcodec: object %p cached after it was serialized", obj))
	}
	ref := cacheRef{name, e.next[name]}
	e.next[name]++
	e.refs[obj] = ref
	e.pending[name] = append(e.pending[name], obj)
	return nil
}

// Contains tells whether obj is cached.
func (e *Encoder) Contains(obj Object) bool {
	if isNil(obj) {
		return false
	}
	_, ok := e.refs[obj]
	return ok
}

// CacheSections returns the names of all cache lists that have
// registered objects, in sorted order.
func (e *Encoder) CacheSections() []string {
	names := make([]string, 0, len(e.next))
	for name := range e.next {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dump serializes obj as a top-level value. The memo of inlined
// objects is reset afterwards, so that independent values do not
// refer to each other's objects.
func (e *Encoder) Dump(obj Object) error {
	if err := e.begin(frameValue); err != nil {
		return err
	}
	if err := e.Ref(obj); err != nil {
		e.abort()
		return err
	}
	return e.end()
}

// DumpCache writes the pending objects of the cache list name as a
// top-level value and clears the list. Objects cached later under
// the same name continue its numbering. Every non-empty cache list
// must be dumped before the encoder is closed.
func (e *Encoder) DumpCache(name string) error {
	objs := e.pending[name]
	delete(e.pending, name)
	if err := e.begin(frameCache); err != nil {
		return err
	}
	e.String(name)
	e.Uvarint(uint64(e.next[name] - len(objs)))
	e.Uvarint(uint64(len(objs)))
	for _, obj := range objs {
		typ, err := typeName(obj)
		if err != nil {
			e.abort()
			return err
		}
		e.String(typ)
	}
	for _, obj := range objs {
		if err := obj.MarshalRef(e); err != nil {
			e.abort()
			return err
		}
	}
	return e.end()
}

// Close checks that every cache list was dumped. It does not close
// the underlying writer.
func (e *Encoder) Close() error {
	var names []string
	for name, objs := range e.pending {
		if len(objs) > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return errors.E(errors.Precondition,
		fmt.Sprintf("refcodec: cache lists never dumped: %s", strings.Join(names, ", ")))
}

func (e *Encoder) begin(kind byte) error {
	if e.active {
		return errors.E(errors.Precondition, "refcodec: nested dump")
	}
	e.active = true
	e.buf.Reset()
	e.buf.WriteByte(kind)
	return nil
}

func (e *Encoder) abort() {
	e.active = false
	e.buf.Reset()
	e.memo = make(map[Object]int)
}

func (e *Encoder) end() error {
	body := e.buf.Bytes()
	n := binary.PutUvarint(e.scratch[:], uint64(len(body)))
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], murmur3.Sum32(body))
	var err error
	for _, p := range [][]byte{e.scratch[:n], body, sum[:]} {
		if _, err = e.w.Write(p); err != nil {
			break
		}
	}
	e.abort()
	return err
}

// Ref writes a reference to obj: a nil tag, a cache tag if obj is
// cached, a memo tag if obj was already inlined in the current
// value, or else obj's full encoding.
func (e *Encoder) Ref(obj Object) error {
	if isNil(obj) {
		e.buf.WriteByte(tagNil)
		return nil
	}
	if ref, ok := e.refs[obj]; ok {
		e.buf.WriteByte(tagCache)
		e.String(ref.name)
		e.Uvarint(uint64(ref.index))
		return nil
	}
	if i, ok := e.memo[obj]; ok {
		e.buf.WriteByte(tagMemo)
		e.Uvarint(uint64(i))
		return nil
	}
	name, err := typeName(obj)
	if err != nil {
		return err
	}
	e.buf.WriteByte(tagInline)
	e.String(name)
	e.memo[obj] = len(e.memo)
	e.inlined[obj] = true
	return obj.MarshalRef(e)
}

// Uvarint writes an unsigned integer.
func (e *Encoder) Uvarint(v uint64) {
	n := binary.PutUvarint(e.scratch[:], v)
	e.buf.Write(e.scratch[:n])
}

// Varint writes a signed integer.
func (e *Encoder) Varint(v int64) {
	n := binary.PutVarint(e.scratch[:], v)
	e.buf.Write(e.scratch[:n])
}

// Int writes an int.
func (e *Encoder) Int(v int) {
	e.Varint(int64(v))
}

// Bool writes a boolean.
func (e *Encoder) Bool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

// Float64 writes a float64.
func (e *Encoder) Float64(v float64) {
	binary.LittleEndian.PutUint64(e.scratch[:8], math.Float64bits(v))
	e.buf.Write(e.scratch[:8])
}

// String writes a string.
func (e *Encoder) String(s string) {
	e.Uvarint(uint64(len(s)))
	e.buf.WriteString(s)
}

// Bytes writes a byte slice.
func (e *Encoder) Bytes(p []byte) {
	e.Uvarint(uint64(len(p)))
	e.buf.Write(p)
}

// StringMap writes a string map in sorted key order.
func (e *Encoder) StringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.Uvarint(uint64(len(keys)))
	for _, k := range keys {
		e.String(k)
		e.String(m[k])
	}
}
