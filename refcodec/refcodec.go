// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package refcodec implements a reference-caching object codec.
//
// An Encoder serializes graphs of Objects. Before serializing, the
// caller may register objects in named cache lists. Every reference
// to a cached object, in any value later dumped through the same
// Encoder, is written as a (cache name, index) tag instead of the
// object's full encoding. Cache lists are themselves dumped as
// top-level values with DumpCache; a Decoder loads them with
// LoadCache before it loads values that refer to them.
//
// The stream is a sequence of frames. Each frame is
//
//	uvarint(len(body)) body murmur3(body)
//
// where the body begins with a frame kind byte and the checksum is a
// 32-bit little-endian murmur3 hash. Within a body, an object
// reference is one of
//
//	nil:     0x00
//	inline:  0x01 string(type name) body...
//	memo:    0x02 uvarint(index)
//	cache:   0x03 string(cache name) uvarint(index)
//
// Memo indices refer to objects inlined earlier in the same frame,
// so that shared, uncached objects are encoded once per frame and
// cycles are permitted. The memo is reset after every frame.
//
// Objects encode their own bodies with the Encoder's primitive
// writers. All primitive encodings are deterministic: equal values
// produce equal bytes.
package refcodec

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/grailbio/base/errors"
)

// Object is implemented by values that may be serialized by this
// package. Objects must be pointers and must be registered with
// Register.
type Object interface {
	// MarshalRef writes the object's body to the encoder.
	MarshalRef(enc *Encoder) error
	// UnmarshalRef reads the object's body from the decoder. The
	// receiver is a freshly allocated object.
	UnmarshalRef(dec *Decoder) error
}

const (
	tagNil byte = iota
	tagInline
	tagMemo
	tagCache
)

const (
	frameValue byte = 'v'
	frameCache byte = 'c'
)

// maxFrameSize bounds the size of frames accepted by a Decoder.
const maxFrameSize = 1 << 34

// frameChunk is the largest buffer a Decoder reserves before reading
// a frame body.
const frameChunk = 1 << 20

var registry struct {
	mu    sync.Mutex
	names map[string]func() Object
	types map[reflect.Type]string
}

// Register registers an object type under the provided name. The
// function factory must return a pointer to a fresh zero object. Register
// panics if the name or the type is already registered.
func Register(name string, factory func() Object) {
	typ := reflect.TypeOf(factory())
	if typ == nil || typ.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("refcodec: type %v registered as %q is not a pointer", typ, name))
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.names == nil {
		registry.names = make(map[string]func() Object)
		registry.types = make(map[reflect.Type]string)
	}
	if _, ok := registry.names[name]; ok {
		panic(fmt.Sprintf("refcodec: duplicate registration of %q", name))
	}
	if other, ok := registry.types[typ]; ok {
		panic(fmt.Sprintf("refcodec: type %v already registered as %q", typ, other))
	}
	registry.names[name] = factory
	registry.types[typ] = name
}

func typeName(obj Object) (string, error) {
	typ := reflect.TypeOf(obj)
	registry.mu.Lock()
	name, ok := registry.types[typ]
	registry.mu.Unlock()
	if !ok {
		return "", errors.E(errors.Invalid, fmt.Sprintf("refcodec: type %v is not registered", typ))
	}
	return name, nil
}

func newObject(name string) (Object, error) {
	registry.mu.Lock()
	factory, ok := registry.names[name]
	registry.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("refcodec: unknown type %q", name))
	}
	return factory(), nil
}

func isNil(obj Object) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

func corruptCache(format string, args ...interface{}) error {
	return errors.E(errors.Integrity, "refcodec: corrupt cache: "+fmt.Sprintf(format, args...))
}
