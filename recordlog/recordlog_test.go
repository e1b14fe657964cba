// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package recordlog

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/tracebag/refcodec"
	"github.com/grailbio/tracebag/scratch"
)

type testRecord struct {
	Name string
	Key  *testRecord
}

func init() {
	refcodec.Register("recordlog.testRecord", func() refcodec.Object { return new(testRecord) })
}

func (r *testRecord) MarshalRef(enc *refcodec.Encoder) error {
	enc.String(r.Name)
	return enc.Ref(r.Key)
}

func (r *testRecord) UnmarshalRef(dec *refcodec.Decoder) error {
	r.Name = dec.String()
	dec.RefInto(&r.Key)
	return dec.Err()
}

func writeLog(t *testing.T, dir string, n int) (*Log, func()) {
	t.Helper()
	var (
		keys   = []*testRecord{{Name: "even"}, {Name: "odd"}}
		caches bytes.Buffer
		enc    = refcodec.NewEncoder(&caches)
	)
	for _, k := range keys {
		assert.NoError(t, enc.Cache(k, "keys"))
	}
	assert.NoError(t, enc.DumpCache("keys"))
	w, err := NewWriter(enc, dir)
	assert.NoError(t, err)
	for i := 0; i < n; i++ {
		key := keys[i%2]
		assert.NoError(t, w.Append(key, &testRecord{Name: fmt.Sprint(i), Key: key}))
	}
	assert.EQ(t, w.Len(), n)
	dst, err := scratch.New(dir, "dst")
	assert.NoError(t, err)
	assert.NoError(t, w.CopyTo(dst, "matches"))
	assert.NoError(t, w.Close())
	assert.NoError(t, enc.Close())

	r, err := dst.Reader("matches")
	assert.NoError(t, err)
	dec := refcodec.NewDecoder(&caches)
	_, err = dec.LoadCache()
	assert.NoError(t, err)
	log, err := Open(r, dec)
	assert.NoError(t, err)
	return log, func() { dst.Close() }
}

func name(t *testing.T, obj refcodec.Object) string {
	t.Helper()
	return obj.(*testRecord).Name
}

func TestLog(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	const n = 100
	log, done := writeLog(t, dir, n)
	defer done()

	length, err := log.Len()
	assert.NoError(t, err)
	if got, want := length, n; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// Access out of order to exercise backward seeks.
	for _, i := range []int{50, 3, 99, 0, 51, 50} {
		obj, err := log.Get(i)
		assert.NoError(t, err)
		if got, want := name(t, obj), fmt.Sprint(i); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	a, err := log.Get(7)
	assert.NoError(t, err)
	b, err := log.Get(7)
	assert.NoError(t, err)
	if a != b {
		t.Error("record decoded twice")
	}

	groups, err := log.Groups()
	assert.NoError(t, err)
	if got, want := len(groups), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	odd := log.Group(groups[1])
	length, err = odd.Len()
	assert.NoError(t, err)
	if got, want := length, n/2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	obj, err := odd.Get(2)
	assert.NoError(t, err)
	if got, want := name(t, obj), "5"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if obj.(*testRecord).Key != groups[1] {
		t.Error("record key is not the group key")
	}
	if key, err := log.Key(5); err != nil || key != groups[1] {
		t.Errorf("wrong key %v: %v", key, err)
	}
	if _, err := log.Key(n); err == nil {
		t.Error("expected range error")
	}
	if got, _ := log.Group(&testRecord{}).Len(); got != 0 {
		t.Errorf("unknown group has %d records", got)
	}

	var i int
	for s := log.ScanReverse(); s.Scan(); i++ {
		if got, want := name(t, s.Value()), fmt.Sprint(n-1-i); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := i, n; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	i = 0
	for s := odd.Scan(); s.Scan(); i++ {
		if got, want := name(t, s.Value()), fmt.Sprint(2*i+1); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestLogDisable(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	log, done := writeLog(t, dir, 10)
	defer done()
	groups, err := log.Groups()
	assert.NoError(t, err)
	view := log.Group(groups[0])
	s := log.Scan()
	if !s.Scan() {
		t.Fatal(s.Err())
	}
	log.Disable()
	if s.Scan() {
		t.Error("scan succeeded on disabled log")
	}
	if got, want := s.Err(), ErrStale; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := view.Get(0); err != ErrStale {
		t.Errorf("got %v, want %v", err, ErrStale)
	}
	if _, err := view.Len(); err != ErrStale {
		t.Errorf("got %v, want %v", err, ErrStale)
	}
	if _, err := log.Len(); err != ErrStale {
		t.Errorf("got %v, want %v", err, ErrStale)
	}
	if _, err := log.Key(0); err != ErrStale {
		t.Errorf("got %v, want %v", err, ErrStale)
	}
	if _, err := log.Groups(); err != ErrStale {
		t.Errorf("got %v, want %v", err, ErrStale)
	}
}

func TestLogEmpty(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	log, done := writeLog(t, dir, 0)
	defer done()
	length, err := log.Len()
	assert.NoError(t, err)
	assert.EQ(t, length, 0)
	if log.Scan().Scan() {
		t.Error("scan of empty log")
	}
	if _, err := log.Get(0); err == nil {
		t.Error("expected range error")
	}
}

func TestFIFO(t *testing.T) {
	c := newFIFO(2)
	r := []*testRecord{{Name: "0"}, {Name: "1"}, {Name: "2"}}
	c.put(0, r[0])
	c.put(1, r[1])
	// Reads do not affect eviction order.
	if _, ok := c.get(0); !ok {
		t.Fatal("missing entry 0")
	}
	c.put(2, r[2])
	if _, ok := c.get(0); ok {
		t.Error("oldest entry not evicted")
	}
	for _, i := range []int{1, 2} {
		if obj, ok := c.get(i); !ok || obj != r[i] {
			t.Errorf("entry %d: got %v, %v", i, obj, ok)
		}
	}
	assert.EQ(t, c.len(), 2)
}
