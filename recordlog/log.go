// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package recordlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracebag/refcodec"
	"github.com/grailbio/tracebag/stats"
	"github.com/ulikunitz/xz"
)

// ErrStale is returned by every operation on a disabled log.
var ErrStale = errors.E(errors.Unavailable, "recordlog: log is stale; its container was modified")

// stream provides forward seeks over an xz stream beginning at base
// in r. Backward seeks restart decompression.
type stream struct {
	r    io.ReadSeeker
	base int64
	zr   *xz.Reader
	pos  int64
}

func (s *stream) seek(off int64) error {
	if s.zr == nil || off < s.pos {
		if _, err := s.r.Seek(s.base, io.SeekStart); err != nil {
			return err
		}
		zr, err := xz.NewReader(s.r)
		if err != nil {
			return errors.E(errors.Integrity, "recordlog: open record stream", err)
		}
		s.zr, s.pos = zr, 0
	}
	if off > s.pos {
		n, err := io.CopyN(ioutil.Discard, s.zr, off-s.pos)
		s.pos += n
		if err != nil {
			return errors.E(errors.Integrity, fmt.Sprintf("recordlog: seek to %d", off), err)
		}
	}
	return nil
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.zr.Read(p)
	s.pos += int64(n)
	return n, err
}

// A Log is a read-only, randomly indexable record log. Logs are safe
// for concurrent use.
type Log struct {
	mu       sync.Mutex
	dec      *refcodec.Decoder
	records  stream
	offsets  []int64
	groups   []int
	keys     []refcodec.Object
	members  [][]int
	byKey    map[refcodec.Object]int
	end      int64
	cache    *fifo
	disabled bool
}

// Open opens the log stored in r. Records are decoded with dec,
// which must have loaded every cache list the records refer to; the
// log takes ownership of dec.
func Open(r io.ReadSeeker, dec *refcodec.Decoder) (*Log, error) {
	var prefix [8]byte
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errors.E(errors.Integrity, "recordlog: read index size", err)
	}
	size := int64(binary.LittleEndian.Uint64(prefix[:]))
	if size < 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("recordlog: invalid index size %d", size))
	}
	zr, err := xz.NewReader(io.LimitReader(r, size))
	if err != nil {
		return nil, errors.E(errors.Integrity, "recordlog: open index", err)
	}
	dec.SetInput(zr)
	obj, err := dec.Load()
	if err != nil {
		return nil, errors.E(errors.Integrity, "recordlog: decode index", err)
	}
	index, ok := obj.(*indexBlock)
	if !ok {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("recordlog: index decoded to %T", obj))
	}
	if len(index.Offsets) != len(index.Keys) {
		return nil, errors.E(errors.Integrity, "recordlog: malformed index")
	}
	l := &Log{
		dec:     dec,
		records: stream{r: r, base: 8 + size},
		keys:    index.Keys,
		byKey:   make(map[refcodec.Object]int, len(index.Keys)),
		end:     index.End,
		cache:   newFIFO(CacheSize),
	}
	l.offsets, l.groups, l.members = index.positions()
	for i, off := range l.offsets {
		if off < 0 || off >= l.end || (i > 0 && off == l.offsets[i-1]) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("recordlog: invalid record offset %d", off))
		}
	}
	for g, key := range l.keys {
		l.byKey[key] = g
	}
	return l, nil
}

func (l *Log) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return ErrStale
	}
	return nil
}

// Len returns the number of records in the log.
func (l *Log) Len() (int, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	return len(l.offsets), nil
}

// Disable invalidates the log. Every subsequent access, including
// access through views and scanners created earlier, returns
// ErrStale.
func (l *Log) Disable() {
	l.mu.Lock()
	l.disabled = true
	l.mu.Unlock()
}

// Get returns the i'th record of the log in offset order.
func (l *Log) Get(i int) (refcodec.Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return nil, ErrStale
	}
	if i < 0 || i >= len(l.offsets) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("recordlog: index %d out of range [0, %d)", i, len(l.offsets)))
	}
	if obj, ok := l.cache.get(i); ok {
		stats.Default.Int("record-cache-hits").Add(1)
		return obj, nil
	}
	stats.Default.Int("record-decodes").Add(1)
	if err := l.records.seek(l.offsets[i]); err != nil {
		return nil, err
	}
	l.dec.SetInput(&l.records)
	obj, err := l.dec.Load()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.E(errors.Integrity, fmt.Sprintf("recordlog: decode record %d", i), err)
	}
	l.cache.put(i, obj)
	return obj, nil
}

// Key returns the group key of the i'th record.
func (l *Log) Key(i int) (refcodec.Object, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(l.groups) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("recordlog: index %d out of range [0, %d)", i, len(l.groups)))
	}
	return l.keys[l.groups[i]], nil
}

// Groups returns the group keys of the log, in order of first
// appearance.
func (l *Log) Groups() ([]refcodec.Object, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	return append([]refcodec.Object(nil), l.keys...), nil
}

// Group returns a view of the records in the group key. An unknown
// key yields an empty view.
func (l *Log) Group(key refcodec.Object) *View {
	g, ok := l.byKey[key]
	if !ok {
		return &View{log: l}
	}
	return &View{log: l, positions: l.members[g]}
}

// Scan returns a scanner over the log's records in offset order.
func (l *Log) Scan() *Scanner {
	return &Scanner{log: l, n: len(l.offsets), next: 0, step: 1}
}

// ScanReverse returns a scanner over the log's records in reverse
// offset order.
func (l *Log) ScanReverse() *Scanner {
	n := len(l.offsets)
	return &Scanner{log: l, n: n, next: n - 1, step: -1}
}

// A View is the subsequence of a log's records that belong to one
// group.
type View struct {
	log       *Log
	positions []int
}

// Len returns the number of records in the view.
func (v *View) Len() (int, error) {
	if err := v.log.check(); err != nil {
		return 0, err
	}
	return len(v.positions), nil
}

// Get returns the i'th record of the view.
func (v *View) Get(i int) (refcodec.Object, error) {
	if i < 0 || i >= len(v.positions) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("recordlog: index %d out of range [0, %d)", i, len(v.positions)))
	}
	return v.log.Get(v.positions[i])
}

// Scan returns a scanner over the view's records.
func (v *View) Scan() *Scanner {
	return &Scanner{log: v.log, positions: v.positions, n: len(v.positions), step: 1}
}

// ScanReverse returns a scanner over the view's records in reverse.
func (v *View) ScanReverse() *Scanner {
	n := len(v.positions)
	return &Scanner{log: v.log, positions: v.positions, n: n, next: n - 1, step: -1}
}

// A Scanner iterates over records of a log. Scanners decode records
// lazily, one per call to Scan.
type Scanner struct {
	log       *Log
	positions []int
	n         int
	next      int
	step      int
	index     int
	value     refcodec.Object
	err       error
}

// Scan decodes the next record, returning true on success. When Scan
// returns false, the caller should inspect Err to distinguish between
// the end of iteration and an error.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.next < 0 || s.next >= s.n {
		return false
	}
	i := s.next
	if s.positions != nil {
		i = s.positions[s.next]
	}
	s.next += s.step
	s.value, s.err = s.log.Get(i)
	s.index = i
	return s.err == nil
}

// Index returns the log position of the last scanned record.
func (s *Scanner) Index() int {
	return s.index
}

// Value returns the last scanned record.
func (s *Scanner) Value() refcodec.Object {
	return s.value
}

// Err returns the error, if any, that stopped the scan.
func (s *Scanner) Err() error {
	return s.err
}
