// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bag

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tracebag/graph"
	"github.com/grailbio/tracebag/recordlog"
	"github.com/grailbio/tracebag/refcodec"
	"github.com/grailbio/tracebag/scratch"
	"github.com/grailbio/tracebag/sector"
	"github.com/grailbio/tracebag/stats"
	"github.com/ulikunitz/xz"
)

// packetSize is the unit in which the data area is moved when the
// header changes size.
const packetSize = 1 << 20

// A stager writes a raw section into a scratch store.
type stager func(tmp *scratch.Store, name string) error

// A plan describes the complete content of a container after a
// rewrite.
type plan struct {
	report stager
	data   stager
	// keepObjects copies the object sections unchanged. Otherwise
	// they are re-encoded from graph, patterns and matches.
	keepObjects bool
	graph       *graph.Graph
	patterns    *graph.PatternSet
	matches     graph.MatchIterator
}

// view returns a read-only view of section s.
func (f *File) view(s Section) *sector.View {
	p := f.hdr.table[s]
	return sector.NewView(f.fd, &f.ioMu, f.hsize+p.Off, f.hsize+p.Off+p.Size)
}

// keep returns a stager that copies section s unchanged, or nil if s
// is absent.
func (f *File) keep(s Section) stager {
	if !f.has(s) {
		return nil
	}
	return func(tmp *scratch.Store, name string) error {
		_, err := tmp.Copy(f.view(s), name, f.hdr.table[s].Size)
		return err
	}
}

// cacheLists returns the contents of the graph and pattern cache lists
// in the order in which they are cached.
func cacheLists(g *graph.Graph, ps *graph.PatternSet) (graphObjs, patternObjs []refcodec.Object) {
	seen := make(map[refcodec.Object]bool)
	add := func(list []refcodec.Object, objs []refcodec.Object) []refcodec.Object {
		for _, obj := range objs {
			if !seen[obj] {
				seen[obj] = true
				list = append(list, obj)
			}
		}
		return list
	}
	if g != nil {
		graphObjs = add(graphObjs, g.Objects())
	}
	if ps != nil {
		for _, p := range ps.Patterns {
			patternObjs = add(patternObjs, p.Objects())
		}
	}
	return
}

// writeCompressed writes section name of tmp through an xz stream.
func writeCompressed(tmp *scratch.Store, name string, fn func(w io.Writer) error) (err error) {
	w, err := tmp.Writer(name)
	if err != nil {
		return err
	}
	defer fileio.CloseAndReport(w, &err)
	xw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	if err = fn(xw); err != nil {
		xw.Close()
		return err
	}
	return xw.Close()
}

// encodeObjects stages the object sections of p with a single encoder,
// so that every section resolves references through the same cache
// lists.
func encodeObjects(ctx context.Context, tmp *scratch.Store, p *plan) error {
	if p.matches != nil && (p.graph == nil || p.patterns == nil) {
		return errors.E(errors.NotExist, "bag: matches require a graph and patterns")
	}
	enc := refcodec.NewEncoder(nil)
	graphObjs, patternObjs := cacheLists(p.graph, p.patterns)
	for _, obj := range graphObjs {
		if err := enc.Cache(obj, GraphCache.String()); err != nil {
			return err
		}
	}
	for _, obj := range patternObjs {
		if err := enc.Cache(obj, PatternCache.String()); err != nil {
			return err
		}
	}
	dump := func(s Section, fn func() error) error {
		return writeCompressed(tmp, s.String(), func(w io.Writer) error {
			enc.SetOutput(w)
			return fn()
		})
	}
	if p.graph != nil {
		if err := dump(GraphCache, func() error { return enc.DumpCache(GraphCache.String()) }); err != nil {
			return err
		}
		if err := dump(Graph, func() error { return enc.Dump(p.graph) }); err != nil {
			return err
		}
	}
	if p.patterns != nil {
		if err := dump(PatternCache, func() error { return enc.DumpCache(PatternCache.String()) }); err != nil {
			return err
		}
		if err := dump(Patterns, func() error { return enc.Dump(p.patterns) }); err != nil {
			return err
		}
	}
	if p.matches != nil {
		known := make(map[*graph.Pattern]bool)
		for _, pat := range p.patterns.Patterns {
			known[pat] = true
		}
		w, err := recordlog.NewWriter(enc, TempDir)
		if err != nil {
			return err
		}
		defer w.Close()
		for {
			m, err := p.matches.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if m == nil || !known[m.Pattern] {
				return errors.E(errors.Invalid, "bag: match of a pattern that is not in the container")
			}
			if err := w.Append(m.Pattern, m); err != nil {
				return err
			}
		}
		if err := w.CopyTo(tmp, Matches.String()); err != nil {
			return err
		}
	}
	return enc.Close()
}

// commit replaces the container's data with the content described by
// p. The new content is staged completely before the file is
// modified.
func (f *File) commit(ctx context.Context, p *plan) error {
	defer stats.Default.Since("rewrite", time.Now())
	stats.Default.Int("rewrites").Add(1)
	tmp, err := scratch.New(TempDir, "bag")
	if err != nil {
		return err
	}
	defer tmp.Close()
	if p.report != nil {
		if err := p.report(tmp, Report.String()); err != nil {
			return err
		}
	}
	if p.keepObjects {
		for _, s := range []Section{GraphCache, Graph, PatternCache, Patterns, Matches} {
			if keep := f.keep(s); keep != nil {
				if err := keep(tmp, s.String()); err != nil {
					return err
				}
			}
		}
	} else if err := encodeObjects(ctx, tmp, p); err != nil {
		return err
	}
	if p.data != nil {
		if err := p.data(tmp, UserData.String()); err != nil {
			return err
		}
	}
	if err := f.rewriteData(tmp); err != nil {
		return err
	}
	if !p.keepObjects {
		f.graph, f.patterns = p.graph, p.patterns
		graphObjs, patternObjs := cacheLists(p.graph, p.patterns)
		dec := refcodec.NewDecoder(nil)
		if p.graph != nil {
			dec.Preload(GraphCache.String(), graphObjs...)
		}
		if p.patterns != nil {
			dec.Preload(PatternCache.String(), patternObjs...)
		}
		f.dec = dec
	}
	return nil
}

// rewriteData lays out the sections of tmp contiguously after a new
// header and truncates the file to the new data area.
func (f *File) rewriteData(tmp *scratch.Store) error {
	index := tmp.Index()
	t := emptyTable()
	var off int64
	names := tmp.Names()
	for _, name := range names {
		s, err := ParseSection(name)
		if err != nil {
			log.Panicf("bag: unexpected staged section %q", name)
		}
		size := index[name].Len()
		t[s] = pointer{Off: off, Size: size}
		off += size
		stats.Default.Int("rewrite-bytes").Add(size)
	}
	h := header{meta: f.hdr.meta, table: t}
	b, err := h.encode()
	if err != nil {
		return err
	}
	f.invalidate()
	f.ioMu.Lock()
	_, err = f.fd.WriteAt(b, 0)
	f.ioMu.Unlock()
	if err != nil {
		return errors.E(fmt.Sprintf("bag: write %s", f.path), err)
	}
	out := sector.New(f.fd, &f.ioMu, int64(len(b)), sector.Unbounded)
	for _, name := range names {
		r, err := tmp.Reader(name)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			return errors.E(fmt.Sprintf("bag: write %s", f.path), err)
		}
	}
	f.ioMu.Lock()
	err = f.fd.Truncate(int64(len(b)) + off)
	f.ioMu.Unlock()
	if err != nil {
		return errors.E(fmt.Sprintf("bag: truncate %s", f.path), err)
	}
	f.hdr, f.hsize, f.dirty = h, int64(len(b)), false
	return nil
}

// rewriteMetadata writes the header, moving the data area if the
// header changed size.
func (f *File) rewriteMetadata() error {
	b, err := f.hdr.encode()
	if err != nil {
		return err
	}
	var (
		size  = int64(len(b))
		n     = f.hdr.table.end()
		delta = size - f.hsize
	)
	f.invalidate()
	f.ioMu.Lock()
	defer f.ioMu.Unlock()
	if delta != 0 {
		if err := shift(f.fd, f.hsize, n, delta); err != nil {
			return errors.E(fmt.Sprintf("bag: move data of %s", f.path), err)
		}
	}
	if _, err := f.fd.WriteAt(b, 0); err != nil {
		return errors.E(fmt.Sprintf("bag: write %s", f.path), err)
	}
	if delta < 0 {
		if err := f.fd.Truncate(size + n); err != nil {
			return errors.E(fmt.Sprintf("bag: truncate %s", f.path), err)
		}
	}
	f.hsize, f.dirty = size, false
	return nil
}

type readerWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// shift moves the n bytes at start by delta bytes. Bytes are moved
// back to front when delta is positive and front to back otherwise, so
// that no byte is overwritten before it is moved.
func shift(rw readerWriterAt, start, n, delta int64) error {
	buf := make([]byte, packetSize)
	move := func(pos, size int64) error {
		if _, err := rw.ReadAt(buf[:size], start+pos); err != nil {
			return err
		}
		_, err := rw.WriteAt(buf[:size], start+pos+delta)
		return err
	}
	if delta > 0 {
		for end := n; end > 0; {
			size := min64(packetSize, end)
			if err := move(end-size, size); err != nil {
				return err
			}
			end -= size
		}
		return nil
	}
	for pos := int64(0); pos < n; {
		size := min64(packetSize, n-pos)
		if err := move(pos, size); err != nil {
			return err
		}
		pos += size
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
