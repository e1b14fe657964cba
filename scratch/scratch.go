// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package scratch implements an append-only staging area of named
// sections backed by a single temporary file. Containers assemble a
// complete new body in a Store before any byte of the committed file
// is touched.
//
// Sections are laid out back to back in the order in which they were
// first opened for writing. Only the most recently started section
// may grow; writing to any other section is a layout violation.
package scratch

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tracebag/failure"
	"github.com/grailbio/tracebag/sector"
)

// An Extent is the byte range [Start, End) of a section in the
// store's temporary file.
type Extent struct {
	Start, End int64
}

// Len returns the extent's length.
func (e Extent) Len() int64 { return e.End - e.Start }

// A Store is a scratch store. Stores are safe for concurrent use,
// but only one writer may be active at a time.
type Store struct {
	// ioMu serializes all sectors over file.
	ioMu sync.Mutex

	mu      sync.Mutex
	file    *os.File
	extents map[string]*Extent
	order   []string
	last    string
	writing bool
	closed  bool
}

// New creates a new store in dir (or the default temporary
// directory if dir is empty). The name is used only to identify the
// temporary file.
func New(dir, name string) (*Store, error) {
	f, err := os.CreateTemp(dir, fmt.Sprintf("scratch-%s-", name))
	if err != nil {
		return nil, errors.E(err, "scratch: create store")
	}
	return &Store{file: f, extents: make(map[string]*Extent)}, nil
}

// ErrLayout is the cause of every layout violation.
var ErrLayout error = layoutError{}

type layoutError struct{}

func (layoutError) Error() string { return "layout violation" }

func (layoutError) FailureKind() failure.Kind { return failure.Layout }

func layoutViolation(name, last string) error {
	return errors.E(errors.Precondition,
		fmt.Sprintf("scratch: section %q is not the newest section %q", name, last), ErrLayout)
}

// Writer opens section name for writing. A new section is started at
// the end of the store; an existing section may be reopened only if
// it is the newest one, in which case writes append to it. The
// writer must be closed before another writer is opened.
func (s *Store) Writer(name string) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, sector.ErrClosed
	}
	if s.writing {
		return nil, errors.E(errors.Precondition,
			fmt.Sprintf("scratch: section %q opened while %q is being written", name, s.last))
	}
	ext, ok := s.extents[name]
	if ok && name != s.last {
		return nil, layoutViolation(name, s.last)
	}
	if !ok {
		var end int64
		if s.last != "" {
			end = s.extents[s.last].End
		}
		ext = &Extent{end, end}
		s.extents[name] = ext
		s.order = append(s.order, name)
		s.last = name
	}
	s.writing = true
	sec := sector.New(s.file, &s.ioMu, ext.Start, sector.Unbounded)
	if _, err := sec.Seek(ext.Len(), io.SeekStart); err != nil {
		s.writing = false
		return nil, err
	}
	return &Writer{store: s, name: name, sec: sec}, nil
}

// Reader returns a read-only view of section name as it is at the
// time of the call.
func (s *Store) Reader(name string) (*sector.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, sector.ErrClosed
	}
	ext, ok := s.extents[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("scratch: no section %q", name))
	}
	return sector.NewView(s.file, &s.ioMu, ext.Start, ext.End), nil
}

// Copy copies at most max bytes from r into section name; a negative
// max copies until r is exhausted. Copy returns the number of bytes
// copied.
func (s *Store) Copy(r io.Reader, name string, max int64) (n int64, err error) {
	w, err := s.Writer(name)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	if max < 0 {
		return io.Copy(w, r)
	}
	n, err = io.CopyN(w, r, max)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Size returns the current size of section name.
func (s *Store) Size(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ext, ok := s.extents[name]
	if !ok {
		return 0, errors.E(errors.NotExist, fmt.Sprintf("scratch: no section %q", name))
	}
	return ext.Len(), nil
}

// Has tells whether the store contains section name.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.extents[name]
	return ok
}

// Index returns the extents of all sections in the store.
func (s *Store) Index() map[string]Extent {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := make(map[string]Extent, len(s.extents))
	for name, ext := range s.extents {
		index[name] = *ext
	}
	return index
}

// Names returns the names of the store's sections in increasing
// start order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := append([]string(nil), s.order...)
	sort.SliceStable(names, func(i, j int) bool {
		return s.extents[names[i]].Start < s.extents[names[j]].Start
	})
	return names
}

// Close removes the store's temporary file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.file.Close()
	if rerr := os.Remove(s.file.Name()); rerr != nil {
		log.Error.Printf("scratch: remove %s: %v", s.file.Name(), rerr)
	}
	return err
}

// A Writer appends to one section of a store.
type Writer struct {
	store *Store
	name  string
	sec   *sector.Sector
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	s := w.store
	s.mu.Lock()
	if s.last != w.name {
		last := s.last
		s.mu.Unlock()
		return 0, layoutViolation(w.name, last)
	}
	s.mu.Unlock()
	n, err := w.sec.Write(p)
	s.mu.Lock()
	ext := s.extents[w.name]
	if end := ext.Start + w.sec.Tell(); end > ext.End {
		ext.End = end
	}
	s.mu.Unlock()
	return n, err
}

// Tell returns the number of bytes in the section.
func (w *Writer) Tell() int64 {
	return w.sec.Tell()
}

// Close releases the writer, allowing another section to be opened.
func (w *Writer) Close() error {
	s := w.store
	s.mu.Lock()
	s.writing = false
	s.mu.Unlock()
	return w.sec.Close()
}
