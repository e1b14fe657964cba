// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sector

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/tracebag/failure"
)

func tempFile(t *testing.T, contents string) (*os.File, func()) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	f, err := os.Create(filepath.Join(dir, "stream"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(contents); err != nil {
		t.Fatal(err)
	}
	return f, func() {
		f.Close()
		cleanup()
	}
}

func TestSectorWindow(t *testing.T) {
	f, cleanup := tempFile(t, "0123456789abcdef")
	defer cleanup()
	s := New(f, nil, 4, 10)
	p, err := ioutil.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(p), "456789"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := s.Tell(), int64(6); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := s.Seek(-2, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	var buf [8]byte
	n, err := s.Read(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(buf[:n]), "89"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if _, err := s.Read(buf[:]); err != io.EOF {
		t.Errorf("got %v, want EOF", err)
	}
}

func TestSectorWriteClamp(t *testing.T) {
	f, cleanup := tempFile(t, "..........")
	defer cleanup()
	s := New(f, nil, 2, 6)
	n, err := s.Write([]byte("abcdefgh"))
	if got, want := err, io.ErrShortWrite; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := n, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	p, err := ioutil.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(p), "..abcd...."; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSectorUnboundedEnd(t *testing.T) {
	f, cleanup := tempFile(t, "header")
	defer cleanup()
	s := New(f, nil, 3, Unbounded)
	if _, err := s.Seek(0, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write([]byte("-tail")); err != nil {
		t.Fatal(err)
	}
	size, err := s.Size()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := size, int64(len("der-tail")); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	off, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := off, size; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSectorReadLine(t *testing.T) {
	f, cleanup := tempFile(t, "xx first\nsecond\nthird")
	defer cleanup()
	v := NewView(f, nil, 3, Unbounded)
	for _, want := range []string{"first\n", "second\n", "third"} {
		line, err := v.ReadLine(0)
		if err != nil {
			t.Fatal(err)
		}
		if got := string(line); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := v.ReadLine(0); err != io.EOF {
		t.Errorf("got %v, want EOF", err)
	}
	if _, err := v.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	line, err := v.ReadLine(3)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(line), "fir"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := v.Tell(), int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSectorSharedLock(t *testing.T) {
	const n = 64
	f, cleanup := tempFile(t, "")
	defer cleanup()
	if err := f.Truncate(2 * n); err != nil {
		t.Fatal(err)
	}
	var (
		mu sync.Mutex
		a  = New(f, &mu, 0, n)
		b  = New(f, &mu, n, 2*n)
		wg sync.WaitGroup
	)
	for _, s := range []struct {
		s *Sector
		c byte
	}{{a, 'a'}, {b, 'b'}} {
		wg.Add(1)
		go func(s *Sector, c byte) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, err := s.Write([]byte{c}); err != nil {
					t.Error(err)
				}
			}
		}(s.s, s.c)
	}
	wg.Wait()
	p, err := ioutil.ReadAll(NewView(f, &mu, 0, Unbounded))
	if err != nil {
		t.Fatal(err)
	}
	want := append(bytes.Repeat([]byte{'a'}, n), bytes.Repeat([]byte{'b'}, n)...)
	if !bytes.Equal(p, want) {
		t.Errorf("got %q, want %q", p, want)
	}
}

func TestSectorClosed(t *testing.T) {
	f, cleanup := tempFile(t, "data")
	defer cleanup()
	s := New(f, nil, 0, Unbounded)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(make([]byte, 1)); err != ErrClosed {
		t.Errorf("got %v, want %v", err, ErrClosed)
	}
	if _, err := s.Write([]byte("x")); err != ErrClosed {
		t.Errorf("got %v, want %v", err, ErrClosed)
	}
	if got, want := failure.Classify(s.Close()), failure.Closed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
