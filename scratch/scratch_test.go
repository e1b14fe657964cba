// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scratch

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/tracebag/failure"
)

func newStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	s, err := New(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	return s, func() {
		assert.NoError(t, s.Close())
		cleanup()
	}
}

func TestStoreSections(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	fz := fuzz.New().NilChance(0).NumElements(0, 1<<14)
	var (
		names    = []string{"report", "graph", "patterns", "matches"}
		contents = make(map[string][]byte)
	)
	for _, name := range names {
		var p []byte
		fz.Fuzz(&p)
		contents[name] = p
		n, err := s.Copy(bytes.NewReader(p), name, -1)
		assert.NoError(t, err)
		if got, want := n, int64(len(p)); got != want {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
	}
	if got, want := s.Names(), names; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	var off int64
	index := s.Index()
	for _, name := range names {
		ext := index[name]
		if got, want := ext.Start, off; got != want {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
		off = ext.End
		r, err := s.Reader(name)
		assert.NoError(t, err)
		p, err := ioutil.ReadAll(r)
		assert.NoError(t, err)
		if !bytes.Equal(p, contents[name]) {
			t.Errorf("%s: contents differ", name)
		}
		size, err := s.Size(name)
		assert.NoError(t, err)
		assert.EQ(t, size, int64(len(contents[name])))
	}
}

func TestStoreAppendNewest(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	_, err := s.Copy(strings.NewReader("first"), "a", -1)
	assert.NoError(t, err)
	_, err = s.Copy(strings.NewReader("second"), "b", -1)
	assert.NoError(t, err)
	// The newest section may continue to grow.
	_, err = s.Copy(strings.NewReader("-more"), "b", -1)
	assert.NoError(t, err)
	r, err := s.Reader("b")
	assert.NoError(t, err)
	p, err := ioutil.ReadAll(r)
	assert.NoError(t, err)
	if got, want := string(p), "second-more"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	_, err = s.Writer("a")
	if !errors.Is(errors.Precondition, err) {
		t.Errorf("expected layout violation, got %v", err)
	}
	if got, want := failure.Classify(err), failure.Layout; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStoreCopyLimit(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	n, err := s.Copy(strings.NewReader("0123456789"), "x", 4)
	assert.NoError(t, err)
	assert.EQ(t, n, int64(4))
	n, err = s.Copy(strings.NewReader("ab"), "y", 10)
	assert.NoError(t, err)
	assert.EQ(t, n, int64(2))
	index := s.Index()
	assert.EQ(t, index["y"], Extent{4, 6})
}

func TestStoreSingleWriter(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	w, err := s.Writer("a")
	assert.NoError(t, err)
	if _, err := s.Writer("b"); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
	assert.NoError(t, w.Close())
	w, err = s.Writer("b")
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
}
