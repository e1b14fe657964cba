// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package recordlog implements an append-only log of refcodec
// records that can be indexed, grouped and iterated without decoding
// it up front.
//
// A log is stored as
//
//	uint64(len(index)) index records
//
// where the length is little-endian, index is an xz stream containing
// one refcodec value (the group keys, the uncompressed offsets of the
// records of each group, and the uncompressed size of the record
// stream), and records is an xz stream of refcodec values.
package recordlog

import (
	"sort"

	"github.com/grailbio/tracebag/refcodec"
)

// CacheSize is the number of decoded records retained by a Log.
const CacheSize = 1 << 16

func init() {
	refcodec.Register("recordlog.index", func() refcodec.Object { return new(indexBlock) })
}

type indexBlock struct {
	Keys    []refcodec.Object
	Offsets [][]int64
	End     int64
}

func (b *indexBlock) MarshalRef(enc *refcodec.Encoder) error {
	enc.Uvarint(uint64(len(b.Keys)))
	for i, key := range b.Keys {
		if err := enc.Ref(key); err != nil {
			return err
		}
		offs := b.Offsets[i]
		enc.Uvarint(uint64(len(offs)))
		var last int64
		for _, off := range offs {
			enc.Varint(off - last)
			last = off
		}
	}
	enc.Varint(b.End)
	return nil
}

func (b *indexBlock) UnmarshalRef(dec *refcodec.Decoder) error {
	n := dec.Len()
	b.Keys = make([]refcodec.Object, n)
	b.Offsets = make([][]int64, n)
	for i := range b.Keys {
		b.Keys[i] = dec.Ref()
		offs := make([]int64, dec.Len())
		var last int64
		for j := range offs {
			last += dec.Varint()
			offs[j] = last
		}
		b.Offsets[i] = offs
	}
	b.End = dec.Varint()
	return dec.Err()
}

// positions flattens the index into a list of record offsets sorted
// by offset, the group of each record, and the position indices of
// each group.
func (b *indexBlock) positions() (offsets []int64, groups []int, members [][]int) {
	type rec struct {
		off   int64
		group int
	}
	var recs []rec
	for g, offs := range b.Offsets {
		for _, off := range offs {
			recs = append(recs, rec{off, g})
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].off < recs[j].off })
	offsets = make([]int64, len(recs))
	groups = make([]int, len(recs))
	members = make([][]int, len(b.Keys))
	for i, r := range recs {
		offsets[i] = r.off
		groups[i] = r.group
		members[r.group] = append(members[r.group], i)
	}
	return
}

// fifo is a bounded cache of decoded records that evicts the
// oldest-inserted entry first.
type fifo struct {
	max     int
	entries map[int]refcodec.Object
	order   []int
	head    int
}

func newFIFO(max int) *fifo {
	return &fifo{max: max, entries: make(map[int]refcodec.Object)}
}

func (c *fifo) get(i int) (refcodec.Object, bool) {
	obj, ok := c.entries[i]
	return obj, ok
}

func (c *fifo) put(i int, obj refcodec.Object) {
	if _, ok := c.entries[i]; ok {
		return
	}
	if len(c.order) < c.max {
		c.order = append(c.order, i)
	} else {
		delete(c.entries, c.order[c.head])
		c.order[c.head] = i
		c.head = (c.head + 1) % c.max
	}
	c.entries[i] = obj
}

func (c *fifo) len() int {
	return len(c.entries)
}
