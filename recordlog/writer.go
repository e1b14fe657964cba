// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package recordlog

import (
	"encoding/binary"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/tracebag/refcodec"
	"github.com/grailbio/tracebag/scratch"
	"github.com/ulikunitz/xz"
)

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// A Writer writes a record log. Records are dumped through a shared
// refcodec encoder, so that they may refer to objects cached by the
// caller; the caller remains responsible for dumping those caches.
// Records are staged in a private scratch store until the log is
// copied into its destination with CopyTo.
type Writer struct {
	enc     *refcodec.Encoder
	tmp     *scratch.Store
	records *scratch.Writer
	xw      *xz.Writer
	cw      *countingWriter

	keys    []refcodec.Object
	groups  map[refcodec.Object]int
	offsets [][]int64
	n       int
	done    bool
}

// NewWriter returns a new writer that stages records in dir (or the
// default temporary directory if dir is empty).
func NewWriter(enc *refcodec.Encoder, dir string) (*Writer, error) {
	tmp, err := scratch.New(dir, "recordlog")
	if err != nil {
		return nil, err
	}
	records, err := tmp.Writer("records")
	if err != nil {
		tmp.Close()
		return nil, err
	}
	xw, err := xz.NewWriter(records)
	if err != nil {
		records.Close()
		tmp.Close()
		return nil, err
	}
	return &Writer{
		enc:     enc,
		tmp:     tmp,
		records: records,
		xw:      xw,
		cw:      &countingWriter{w: xw},
		groups:  make(map[refcodec.Object]int),
	}, nil
}

// Append appends a record to the log under the group key.
func (w *Writer) Append(key, record refcodec.Object) error {
	if w.done {
		return errors.E(errors.Precondition, "recordlog: append to finished log")
	}
	g, ok := w.groups[key]
	if !ok {
		g = len(w.keys)
		w.groups[key] = g
		w.keys = append(w.keys, key)
		w.offsets = append(w.offsets, nil)
	}
	off := w.cw.n
	w.enc.SetOutput(w.cw)
	if err := w.enc.Dump(record); err != nil {
		return err
	}
	w.offsets[g] = append(w.offsets[g], off)
	w.n++
	return nil
}

// Len returns the number of records appended so far.
func (w *Writer) Len() int {
	return w.n
}

func (w *Writer) finish() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.xw.Close(); err != nil {
		return err
	}
	if err := w.records.Close(); err != nil {
		return err
	}
	index, err := w.tmp.Writer("index")
	if err != nil {
		return err
	}
	xw, err := xz.NewWriter(index)
	if err != nil {
		index.Close()
		return err
	}
	w.enc.SetOutput(xw)
	err = w.enc.Dump(&indexBlock{Keys: w.keys, Offsets: w.offsets, End: w.cw.n})
	if cerr := xw.Close(); err == nil {
		err = cerr
	}
	if cerr := index.Close(); err == nil {
		err = cerr
	}
	return err
}

// CopyTo finishes the log and copies it into section name of dst.
func (w *Writer) CopyTo(dst *scratch.Store, name string) (err error) {
	if err = w.finish(); err != nil {
		return err
	}
	size, err := w.tmp.Size("index")
	if err != nil {
		return err
	}
	out, err := dst.Writer(name)
	if err != nil {
		return err
	}
	defer fileio.CloseAndReport(out, &err)
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(size))
	if _, err = out.Write(prefix[:]); err != nil {
		return err
	}
	for _, section := range []string{"index", "records"} {
		r, err := w.tmp.Reader(section)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			return err
		}
	}
	return nil
}

// Close discards the writer's staging area.
func (w *Writer) Close() error {
	return w.tmp.Close()
}
