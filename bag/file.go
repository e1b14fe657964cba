// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bag implements the tracebag container: a single executable
// file holding an execution report, the graph compiled from it, a set
// of patterns, the matches of those patterns in the graph and a user
// dictionary.
//
// A container begins with a header: a shell script, a marker line, a
// tab-indented JSON metadata block and a table of section pointers,
// two little-endian int64 values (offset, size) per section, with
// offsets relative to the end of the header. The data area follows.
// Each section is compressed independently. Sections that hold
// objects share the container's cache lists, so that a vertex is
// stored once in the graph cache and referred to by the graph, by
// pinned pattern vertices and by every match.
//
// Containers are opened by path. Opening a path that is already open
// in the process returns the same *File with its reference count
// incremented; each Open must be balanced by a Close.
package bag

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tracebag/graph"
	"github.com/grailbio/tracebag/refcodec"
	"github.com/grailbio/tracebag/sector"
)

// TempDir is the directory in which containers stage rewrites. The
// empty string selects the system default.
var TempDir string

// Mode is the mode in which a container is opened.
type Mode int

const (
	// Default opens an existing container for reading and writing, or
	// creates a new one.
	Default Mode = iota
	// ReadOnly opens an existing container for reading.
	ReadOnly
	// ReadWrite opens an existing container for reading and writing.
	ReadWrite
	// CreateExclusive creates a new container, failing if the file
	// exists.
	CreateExclusive
	// CreateTruncate creates a new container, reinitializing the file
	// if it exists.
	CreateTruncate
)

var modeNames = map[Mode]string{
	Default:         "default",
	ReadOnly:        "read-only",
	ReadWrite:       "read-write",
	CreateExclusive: "create-exclusive",
	CreateTruncate:  "create-truncate",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

var registry = struct {
	sync.Mutex
	files map[string]*File
}{files: make(map[string]*File)}

// A File is an open container. Files are safe for concurrent use.
type File struct {
	path string

	// mu serializes accessors and protects the fields below.
	mu   sync.Mutex
	refs int
	mode Mode
	fd   *os.File
	// ioMu serializes every sector over fd.
	ioMu sync.Mutex

	// loaded is set when hdr reflects the file as of mtime and size.
	loaded bool
	mtime  time.Time
	size   int64

	hdr   header
	hsize int64
	dirty bool

	dec      *refcodec.Decoder
	graph    *graph.Graph
	patterns *graph.PatternSet
	matches  *MatchLog
}

// Open opens the container at path in the provided mode.
func Open(path string, mode Mode) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bag: resolve %s", path), err)
	}
	registry.Lock()
	f := registry.files[abs]
	if f == nil {
		f = &File{path: abs}
		registry.files[abs] = f
	}
	registry.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs > 0 {
		switch {
		case mode == CreateExclusive:
			return nil, errors.E(errors.Exists, fmt.Sprintf("bag: %s already exists", abs))
		case mode == CreateTruncate:
			return nil, errors.E(errors.Precondition, fmt.Sprintf("bag: %s: cannot truncate a container in use", abs))
		case mode == ReadWrite && f.mode == ReadOnly:
			return nil, errors.E(errors.Precondition, fmt.Sprintf("bag: %s is open read-only", abs))
		}
		f.refs++
		return f, nil
	}
	if err := f.open(mode); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the container's absolute path.
func (f *File) Path() string { return f.path }

// Acquire adds a reference to an open container. Each call must be
// balanced by a call to Close.
func (f *File) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs == 0 {
		return sector.ErrClosed
	}
	f.refs++
	return nil
}

func osError(path string, err error) error {
	switch {
	case os.IsNotExist(err):
		return errors.E(errors.NotExist, fmt.Sprintf("bag: open %s", path), err)
	case os.IsExist(err):
		return errors.E(errors.Exists, fmt.Sprintf("bag: create %s", path), err)
	case os.IsPermission(err):
		return errors.E(errors.NotAllowed, fmt.Sprintf("bag: open %s", path), err)
	}
	return errors.E(fmt.Sprintf("bag: open %s", path), err)
}

// open opens the OS handle. It is called with f.mu held and f.refs
// zero.
func (f *File) open(mode Mode) error {
	_, err := os.Stat(f.path)
	existed := err == nil
	if err != nil && !os.IsNotExist(err) {
		return osError(f.path, err)
	}
	if mode == Default {
		mode = ReadWrite
		if !existed {
			mode = CreateTruncate
		}
	}
	var flag int
	switch mode {
	case ReadOnly:
		flag = os.O_RDONLY
	case ReadWrite:
		flag = os.O_RDWR
	case CreateExclusive:
		flag = os.O_RDWR | os.O_CREATE | os.O_EXCL
	case CreateTruncate:
		flag = os.O_RDWR | os.O_CREATE
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("bag: invalid mode %v", mode))
	}
	fd, err := os.OpenFile(f.path, flag, 0666)
	if err != nil {
		return osError(f.path, err)
	}
	f.fd = fd
	fresh := mode == CreateExclusive || mode == CreateTruncate
	if fresh {
		err = f.initialize(!existed)
		mode = ReadWrite
	} else {
		err = f.reload()
	}
	if err != nil {
		fd.Close()
		f.fd = nil
		f.loaded = false
		return err
	}
	f.mode = mode
	f.refs = 1
	return nil
}

// initialize writes the header of an empty container, discarding any
// previous content.
func (f *File) initialize(created bool) error {
	if created {
		info, err := f.fd.Stat()
		if err != nil {
			return err
		}
		if err := f.fd.Chmod(info.Mode() | 0111); err != nil {
			log.Printf("bag: %s: set executable bits: %v", f.path, err)
		}
	}
	f.reset()
	f.hdr = header{meta: DefaultMetadata(), table: emptyTable()}
	b, err := f.hdr.encode()
	if err != nil {
		return err
	}
	f.ioMu.Lock()
	defer f.ioMu.Unlock()
	if _, err := f.fd.WriteAt(b, 0); err != nil {
		return errors.E(fmt.Sprintf("bag: initialize %s", f.path), err)
	}
	if err := f.fd.Truncate(int64(len(b))); err != nil {
		return errors.E(fmt.Sprintf("bag: initialize %s", f.path), err)
	}
	f.hsize = int64(len(b))
	f.dirty = false
	f.loaded = true
	return nil
}

// reload rereads the header if the file changed since it was last
// closed.
func (f *File) reload() error {
	info, err := f.fd.Stat()
	if err != nil {
		return osError(f.path, err)
	}
	if f.loaded && info.ModTime().Equal(f.mtime) && info.Size() == f.size {
		return nil
	}
	f.reset()
	f.loaded = false
	f.dirty = false
	h, n, err := readHeader(sector.NewView(f.fd, &f.ioMu, 0, sector.Unbounded))
	if err == nil {
		err = h.table.validate(info.Size() - n)
	}
	f.hdr = h
	if err != nil {
		return f.formatError("bag: parse header", err)
	}
	f.hsize = n
	f.loaded = true
	return nil
}

// reset drops every decoded value.
func (f *File) reset() {
	f.invalidate()
	f.dec = nil
	f.graph = nil
	f.patterns = nil
}

// invalidate disables open match logs, whose offsets no longer
// describe the file.
func (f *File) invalidate() {
	if f.matches != nil {
		f.matches.Disable()
		f.matches = nil
	}
}

// Close releases a reference to the container. The last Close writes
// modified metadata, drops decoded sections and closes the OS handle.
// Only the header is kept, to skip rereading an unchanged file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs == 0 {
		return errors.E(errors.Precondition, fmt.Sprintf("bag: %s: close of a container that is not open", f.path))
	}
	f.refs--
	if f.refs > 0 {
		return nil
	}
	var err error
	if f.dirty {
		err = f.rewriteMetadata()
	}
	f.reset()
	if cerr := f.fd.Close(); err == nil && cerr != nil {
		err = errors.E(fmt.Sprintf("bag: close %s", f.path), cerr)
	}
	f.fd = nil
	if info, serr := os.Stat(f.path); serr == nil && err == nil {
		f.mtime, f.size = info.ModTime(), info.Size()
	} else {
		f.loaded = false
	}
	return err
}

// Closed tells whether the container has no open references.
func (f *File) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs == 0
}

func (f *File) checkOpen() error {
	if f.refs == 0 {
		return sector.ErrClosed
	}
	return nil
}

func (f *File) checkWritable() error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if f.mode == ReadOnly {
		return errors.E(errors.NotAllowed, fmt.Sprintf("bag: %s is open read-only", f.path))
	}
	return nil
}

// Metadata returns a copy of the container's metadata.
func (f *File) Metadata() Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hdr.meta.Clone()
}

// Update modifies the container's metadata with fn. The changes are
// kept only if fn returns nil and the result is valid, and are
// written no later than the last Close.
func (f *File) Update(fn func(*Metadata) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	m := f.hdr.meta.Clone()
	if err := fn(&m); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	f.hdr.meta = m
	f.dirty = true
	return nil
}

// Flush writes modified metadata to the file.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	if !f.dirty {
		return nil
	}
	return f.rewriteMetadata()
}

// Has tells whether section s is present.
func (f *File) Has(s Section) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.has(s)
}

func (f *File) has(s Section) bool {
	return s >= 0 && s < numSections && f.hdr.table[s].present()
}

// HasReport tells whether the container holds a report.
func (f *File) HasReport() bool { return f.Has(Report) }

// HasGraph tells whether the container holds a graph.
func (f *File) HasGraph() bool { return f.Has(Graph) }

// HasPatterns tells whether the container holds patterns.
func (f *File) HasPatterns() bool { return f.Has(Patterns) }

// HasMatches tells whether the container holds matches.
func (f *File) HasMatches() bool { return f.Has(Matches) }

// SectionSize returns the stored (compressed) size of section s, or -1
// if it is absent.
func (f *File) SectionSize(s Section) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.has(s) {
		return -1
	}
	return f.hdr.table[s].Size
}

// Baked tells whether compilation ran to a conclusion: the container
// has a graph, or compilation recorded a failure that was neither a
// timeout nor an interruption.
func (f *File) Baked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.has(Graph) {
		return true
	}
	r := f.hdr.meta.Compile.Failure
	return r != nil && !r.Kind.Benign()
}

// Toasted tells whether extraction ran to a conclusion: the container
// has matches, or extraction recorded a failure that was neither a
// timeout nor an interruption.
func (f *File) Toasted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.has(Matches) {
		return true
	}
	r := f.hdr.meta.Extract.Failure
	return r != nil && !r.Kind.Benign()
}
