// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bag

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/tracebag/failure"
)

func TestHeader(t *testing.T) {
	fz := fuzz.New().NilChance(0)
	for i := 0; i < 20; i++ {
		h := header{meta: DefaultMetadata(), table: emptyTable()}
		fz.Fuzz(&h.meta.Compile.Filters)
		fz.Fuzz(&h.meta.Compile.ReportFormat)
		h.meta.Compile.Failure = &failure.Record{Kind: failure.MissingData, Message: "no such vertex"}
		h.meta.Extract.PaintColor = Paint(Color{1, 2, 3})
		var off int64
		for s := range h.table {
			if i%2 == 0 && s%2 == 0 {
				continue
			}
			var size uint16
			fz.Fuzz(&size)
			h.table[s] = pointer{off, int64(size)}
			off += int64(size)
		}
		b, err := h.encode()
		assert.NoError(t, err)
		// Trailing bytes belong to the data area.
		got, n, err := readHeader(bytes.NewReader(append(b, "data"...)))
		assert.NoError(t, err)
		if n != int64(len(b)) {
			t.Errorf("got %v, want %v", n, len(b))
		}
		if !reflect.DeepEqual(got, h) {
			t.Errorf("got %+v, want %+v", got, h)
		}
		assert.NoError(t, got.table.validate(off))
		if got.table.validate(off-1) == nil && off > 0 {
			t.Error("table exceeding the data area validated")
		}
	}
}

func TestHeaderErrors(t *testing.T) {
	h := header{meta: DefaultMetadata(), table: emptyTable()}
	b, err := h.encode()
	assert.NoError(t, err)
	for _, c := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"no marker", []byte("#!/bin/sh\necho hello\n")},
		{"truncated metadata", b[:len(bootstrap)+len(marker)+10]},
		{"truncated pointers", b[:len(b)-1]},
		{"bad json", bytes.Replace(b, []byte(`"verbosity"`), []byte(`"verbosity`), 1)},
	} {
		if _, _, err := readHeader(bytes.NewReader(c.data)); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
	if !IsContainer(bytes.NewReader(b)) {
		t.Error("container not recognized")
	}
	if IsContainer(bytes.NewReader([]byte("vertex p1 process\n"))) {
		t.Error("report recognized as a container")
	}
	t1 := emptyTable()
	t1[Report] = pointer{0, 10}
	t1[Graph] = pointer{5, 10}
	if t1.validate(100) == nil {
		t.Error("overlapping sections validated")
	}
}

func TestAbsentPointerSize(t *testing.T) {
	h := header{meta: DefaultMetadata(), table: emptyTable()}
	h.table[Report] = pointer{0, 10}
	h.table[Graph] = pointer{-1, 77}
	h.table[Matches] = pointer{-5, 3}
	b, err := h.encode()
	assert.NoError(t, err)
	got, _, err := readHeader(bytes.NewReader(b))
	assert.NoError(t, err)
	if got, want := got.table[Graph], absent; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := got.table[Matches], absent; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, got.table.validate(10))
}

func TestMetadataJSON(t *testing.T) {
	for _, c := range []struct {
		paint PaintColor
		json  string
	}{
		{PaintColor{}, "null"},
		{NoPaint, "false"},
		{Paint(Color{255, 0, 16}), "[255,0,16]"},
	} {
		b, err := json.Marshal(c.paint)
		assert.NoError(t, err)
		if got, want := string(b), c.json; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		var p PaintColor
		assert.NoError(t, json.Unmarshal(b, &p))
		if got, want := p, c.paint; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	var p PaintColor
	if err := json.Unmarshal([]byte("true"), &p); err == nil {
		t.Error("paint color true accepted")
	}

	var to Timeout
	assert.NoError(t, json.Unmarshal([]byte("1.5"), &to))
	if got, want := to.Duration().Seconds(), 1.5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, json.Unmarshal([]byte("null"), &to))
	assert.EQ(t, to, Timeout(0))
	if err := json.Unmarshal([]byte("-1"), &to); err == nil {
		t.Error("negative timeout accepted")
	}
	b, err := json.Marshal(Timeout(0))
	assert.NoError(t, err)
	assert.EQ(t, string(b), "null")
	if err := json.Unmarshal([]byte("1e300"), &to); err == nil {
		t.Error("overflowing timeout accepted")
	}
}

func TestTimeoutJSON(t *testing.T) {
	check := func(d time.Duration) {
		t.Helper()
		b, err := json.Marshal(Timeout(d))
		assert.NoError(t, err)
		var got Timeout
		assert.NoError(t, json.Unmarshal(b, &got))
		if got != Timeout(d) {
			t.Errorf("%s: got %v, want %v", b, got, Timeout(d))
		}
	}
	for ms := 1; ms < 5000; ms++ {
		check(time.Duration(ms) * time.Millisecond)
	}
	fz := fuzz.New()
	for i := 0; i < 1000; i++ {
		var ns uint32
		fz.Fuzz(&ns)
		check(time.Duration(ns)*time.Microsecond + time.Duration(ns%1000) + 1)
	}
}
