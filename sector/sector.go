// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sector implements windowed streams over a shared
// random-access stream. A Sector presents the byte range [min, max)
// of an underlying io.ReadWriteSeeker as an independent stream with
// its own cursor. Offsets are relative to min; reads and writes are
// clamped so that they never cross max.
//
// Every operation first repositions the underlying stream at the
// absolute offset of the sector's cursor, so any number of sectors
// may share one stream as long as they also share one lock. Sectors
// that share a stream but use different locks must not be used
// concurrently.
package sector

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracebag/failure"
)

// Unbounded may be passed as the max offset of a sector whose
// window extends to the end of the underlying stream.
const Unbounded = -1

// ErrClosed is returned by operations on a closed sector.
var ErrClosed error = closedError{}

type closedError struct{}

func (closedError) Error() string { return "sector: operation on closed sector" }

func (closedError) FailureKind() failure.Kind { return failure.Closed }

// A Sector is a read-write window over a shared stream.
type Sector struct {
	mu       sync.Locker
	stream   io.ReadSeeker
	min, max int64
	off      int64
	closed   bool
}

// New returns a sector over the range [min, max) of the provided
// stream. If max is Unbounded, the sector extends to the end of the
// stream. All operations are serialized with mu; if mu is nil, the
// sector uses a lock of its own.
func New(rws io.ReadWriteSeeker, mu sync.Locker, min, max int64) *Sector {
	return newSector(rws, mu, min, max)
}

func newSector(stream io.ReadSeeker, mu sync.Locker, min, max int64) *Sector {
	if min < 0 {
		panic(fmt.Sprintf("sector: negative offset %d", min))
	}
	if max != Unbounded && max < min {
		panic(fmt.Sprintf("sector: invalid window [%d, %d)", min, max))
	}
	if mu == nil {
		mu = new(sync.Mutex)
	}
	return &Sector{mu: mu, stream: stream, min: min, max: max}
}

// Bounds returns the absolute window of the sector.
func (s *Sector) Bounds() (min, max int64) {
	return s.min, s.max
}

// remaining returns the number of bytes between the cursor and max,
// or -1 if the sector is unbounded.
func (s *Sector) remaining() int64 {
	if s.max == Unbounded {
		return -1
	}
	n := s.max - s.min - s.off
	if n < 0 {
		return 0
	}
	return n
}

func (s *Sector) position() error {
	if s.closed {
		return ErrClosed
	}
	_, err := s.stream.Seek(s.min+s.off, io.SeekStart)
	return err
}

// Read implements io.Reader.
func (s *Sector) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(p)
}

func (s *Sector) readLocked(p []byte) (int, error) {
	if err := s.position(); err != nil {
		return 0, err
	}
	if rem := s.remaining(); rem >= 0 {
		if rem == 0 {
			return 0, io.EOF
		}
		if int64(len(p)) > rem {
			p = p[:rem]
		}
	}
	n, err := s.stream.Read(p)
	s.off += int64(n)
	return n, err
}

// ReadLine reads up to and including the next newline, reading at
// most limit bytes. A non-positive limit reads until a newline or
// the end of the window. ReadLine returns io.EOF only if no bytes
// remain.
func (s *Sector) ReadLine(limit int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		line  []byte
		chunk [256]byte
	)
	for limit <= 0 || len(line) < limit {
		p := chunk[:]
		if limit > 0 && limit-len(line) < len(p) {
			p = p[:limit-len(line)]
		}
		start := s.off
		n, err := s.readLocked(p)
		if i := bytes.IndexByte(p[:n], '\n'); i >= 0 {
			line = append(line, p[:i+1]...)
			s.off = start + int64(i+1)
			return line, nil
		}
		line = append(line, p[:n]...)
		if err == io.EOF {
			if len(line) == 0 {
				return nil, io.EOF
			}
			return line, nil
		}
		if err != nil {
			return line, err
		}
	}
	return line, nil
}

// Seek implements io.Seeker. Seeking relative to io.SeekEnd in an
// unbounded sector queries the current size of the underlying
// stream. Seeking beyond max is permitted; subsequent reads return
// io.EOF.
func (s *Sector) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = s.off
	case io.SeekEnd:
		if s.max != Unbounded {
			base = s.max - s.min
			break
		}
		end, err := s.stream.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		base = end - s.min
	default:
		return 0, errors.E(errors.Invalid, fmt.Sprintf("sector: invalid whence %d", whence))
	}
	if base+offset < 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("sector: seek to negative offset %d", base+offset))
	}
	s.off = base + offset
	return s.off, nil
}

// Tell returns the sector-relative cursor.
func (s *Sector) Tell() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.off
}

// Size returns the size of the window. For unbounded sectors this
// is the size of the underlying stream beyond min.
func (s *Sector) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.max != Unbounded {
		return s.max - s.min, nil
	}
	end, err := s.stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if end < s.min {
		return 0, nil
	}
	return end - s.min, nil
}

// Write implements io.Writer. Writes that would cross max are
// truncated at max and return io.ErrShortWrite.
func (s *Sector) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.stream.(io.Writer)
	if !ok {
		return 0, errors.E(errors.NotSupported, "sector: write to read-only stream")
	}
	if err := s.position(); err != nil {
		return 0, err
	}
	short := false
	if rem := s.remaining(); rem >= 0 && int64(len(p)) > rem {
		p = p[:rem]
		short = true
	}
	n, err := w.Write(p)
	s.off += int64(n)
	if err == nil && short {
		err = io.ErrShortWrite
	}
	return n, err
}

// Close closes the sector. The underlying stream is left open.
// Closing a sector twice returns ErrClosed.
func (s *Sector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return nil
}

// Closed tells whether the sector has been closed.
func (s *Sector) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// A View is a read-only sector.
type View struct {
	s *Sector
}

// NewView returns a read-only view of the range [min, max) of the
// provided stream, serialized by mu.
func NewView(rs io.ReadSeeker, mu sync.Locker, min, max int64) *View {
	return &View{newSector(rs, mu, min, max)}
}

// Read implements io.Reader.
func (v *View) Read(p []byte) (int, error) { return v.s.Read(p) }

// ReadLine reads the next line; see Sector.ReadLine.
func (v *View) ReadLine(limit int) ([]byte, error) { return v.s.ReadLine(limit) }

// Seek implements io.Seeker.
func (v *View) Seek(offset int64, whence int) (int64, error) { return v.s.Seek(offset, whence) }

// Tell returns the view-relative cursor.
func (v *View) Tell() int64 { return v.s.Tell() }

// Size returns the size of the view's window.
func (v *View) Size() (int64, error) { return v.s.Size() }

// Bounds returns the absolute window of the view.
func (v *View) Bounds() (min, max int64) { return v.s.Bounds() }

// Close closes the view.
func (v *View) Close() error { return v.s.Close() }
