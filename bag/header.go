// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bag

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
)

// bootstrap is the script that opens every container. It makes a
// container executable: running it describes its contents.
const bootstrap = `#!/bin/sh
# tracebag container. Run "tracebag info" on this file to inspect it.
exec tracebag info "$0"
`

// marker terminates the bootstrap script.
const marker = "#%TRACEBAG-CONTAINER%"

const (
	// maxScriptLines bounds the search for the marker.
	maxScriptLines = 64
	// maxMetadataSize bounds the metadata block.
	maxMetadataSize = 1 << 24
	pointerBytes    = 2 * 8 * int(numSections)
)

// A pointer locates a section relative to the end of the header. A
// negative offset means the section is absent.
type pointer struct {
	Off, Size int64
}

func (p pointer) present() bool { return p.Off >= 0 }

var absent = pointer{Off: -1}

// table holds the pointers of every section.
type table [numSections]pointer

func emptyTable() table {
	var t table
	for i := range t {
		t[i] = absent
	}
	return t
}

// end returns the end of the data area described by the table.
func (t *table) end() int64 {
	var end int64
	for _, p := range t {
		if p.present() && p.Off+p.Size > end {
			end = p.Off + p.Size
		}
	}
	return end
}

// validate checks that present sections lie within a data area of the
// provided size and do not overlap.
func (t *table) validate(size int64) error {
	var present []pointer
	for i, p := range t {
		switch {
		case !p.present():
			continue
		case p.Size < 0 || p.Off+p.Size > size:
			return fmt.Errorf("section %s: [%d, %d) exceeds data area of %d bytes", Section(i), p.Off, p.Off+p.Size, size)
		}
		present = append(present, p)
	}
	sort.Slice(present, func(i, j int) bool { return present[i].Off < present[j].Off })
	for i := 1; i < len(present); i++ {
		if present[i].Off < present[i-1].Off+present[i-1].Size {
			return fmt.Errorf("overlapping sections at offset %d", present[i].Off)
		}
	}
	return nil
}

// header is the in-memory image of a container header.
type header struct {
	meta  Metadata
	table table
}

// encode renders the header. The encoding of a header depends only on
// its contents.
func (h *header) encode() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(bootstrap)
	b.WriteString(marker)
	b.WriteByte('\n')
	meta, err := json.MarshalIndent(h.meta, "", "\t")
	if err != nil {
		return nil, errors.E(errors.Invalid, "bag: encode metadata", err)
	}
	b.Write(meta)
	b.WriteByte('\n')
	var word [8]byte
	for _, p := range h.table {
		binary.LittleEndian.PutUint64(word[:], uint64(p.Off))
		b.Write(word[:])
		binary.LittleEndian.PutUint64(word[:], uint64(p.Size))
		b.Write(word[:])
	}
	return b.Bytes(), nil
}

// countingReader counts the bytes consumed from a bufio.Reader.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) line() ([]byte, error) {
	line, err := c.r.ReadSlice('\n')
	c.n += int64(len(line))
	if err == bufio.ErrBufferFull {
		return nil, fmt.Errorf("header line exceeds %d bytes", c.r.Size())
	}
	return line, err
}

// marker consumes the bootstrap script up to and including the
// marker line.
func (c *countingReader) marker() error {
	for i := 0; i < maxScriptLines; i++ {
		line, err := c.line()
		if err != nil {
			return fmt.Errorf("no container marker: %v", err)
		}
		if bytes.HasSuffix(bytes.TrimRight(line, "\r\n"), []byte(marker)) {
			return nil
		}
	}
	return fmt.Errorf("no container marker in the first %d lines", maxScriptLines)
}

// IsContainer tells whether r begins with a container's bootstrap
// script.
func IsContainer(r io.Reader) bool {
	cr := &countingReader{r: bufio.NewReaderSize(r, 1<<16)}
	return cr.marker() == nil
}

// readHeader parses a header from r, returning the header and its size
// in bytes. On error, the returned header contains whatever metadata
// could be decoded.
func readHeader(r io.Reader) (h header, size int64, err error) {
	h.meta = DefaultMetadata()
	h.table = emptyTable()
	cr := &countingReader{r: bufio.NewReaderSize(r, 1<<16)}
	if err := cr.marker(); err != nil {
		return h, 0, err
	}
	line, err := cr.line()
	if err != nil || string(line) != "{\n" {
		return h, 0, fmt.Errorf("metadata does not start on the line after the marker")
	}
	meta := append([]byte(nil), line...)
	for {
		line, err := cr.line()
		if err != nil {
			return h, 0, fmt.Errorf("unterminated metadata: %v", err)
		}
		meta = append(meta, line...)
		if string(line) == "}\n" {
			break
		}
		if len(meta) > maxMetadataSize {
			return h, 0, fmt.Errorf("metadata exceeds %d bytes", maxMetadataSize)
		}
	}
	var m Metadata
	if err := json.Unmarshal(meta, &m); err != nil {
		return h, 0, fmt.Errorf("decode metadata: %v", err)
	}
	if m.Compile.Filters == nil {
		m.Compile.Filters = []string{}
	}
	if m.Extract.Patterns == nil {
		m.Extract.Patterns = []string{}
	}
	h.meta = m
	if err := h.meta.Validate(); err != nil {
		return h, 0, err
	}
	var words [pointerBytes]byte
	if _, err := io.ReadFull(cr.r, words[:]); err != nil {
		return h, 0, fmt.Errorf("read section pointers: %v", err)
	}
	cr.n += int64(pointerBytes)
	for i := range h.table {
		p := pointer{
			Off:  int64(binary.LittleEndian.Uint64(words[16*i:])),
			Size: int64(binary.LittleEndian.Uint64(words[16*i+8:])),
		}
		// The size of an absent section is meaningless.
		if !p.present() {
			p = absent
		}
		h.table[i] = p
	}
	return h, cr.n, nil
}
