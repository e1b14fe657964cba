// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bag

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/tracebag/graph"
	"github.com/grailbio/tracebag/recordlog"
	"github.com/grailbio/tracebag/refcodec"
	"github.com/grailbio/tracebag/scratch"
	"github.com/grailbio/tracebag/sector"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
)

const trailerSize = 8

type reportReader struct {
	io.Reader
	view *sector.View
}

func (r *reportReader) Close() error { return r.view.Close() }

// Report returns a reader of the uncompressed report and its size.
// The reader is valid until the container is next modified.
func (f *File) Report() (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return nil, 0, err
	}
	if !f.has(Report) {
		return nil, 0, f.notSet(Report)
	}
	p := f.hdr.table[Report]
	if p.Size < trailerSize {
		return nil, 0, f.formatError("bag: report trailer", fmt.Errorf("report section of %d bytes", p.Size))
	}
	var (
		base    = f.hsize + p.Off
		trailer [trailerSize]byte
	)
	f.ioMu.Lock()
	_, err := f.fd.ReadAt(trailer[:], base+p.Size-trailerSize)
	f.ioMu.Unlock()
	if err != nil {
		return nil, 0, f.formatError("bag: report trailer", err)
	}
	n := int64(binary.LittleEndian.Uint64(trailer[:]))
	if n < 0 {
		return nil, 0, f.formatError("bag: report trailer", fmt.Errorf("negative report size %d", n))
	}
	v := sector.NewView(f.fd, &f.ioMu, base, base+p.Size-trailerSize)
	zr, err := xz.NewReader(v)
	if err != nil {
		return nil, 0, f.formatError("bag: open report", err)
	}
	return &reportReader{io.LimitReader(zr, n), v}, n, nil
}

// ReportBytes returns the complete uncompressed report.
func (f *File) ReportBytes() ([]byte, error) {
	r, n, err := f.Report()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return nil, f.formatError("bag: read report", err)
	}
	return b, nil
}

// Digest returns the hex digest of r's content as recorded in a
// container's compile parameters.
func Digest(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// stageReport compresses r into section name of tmp, followed by the
// uncompressed size. It returns the report's digest.
func stageReport(tmp *scratch.Store, name string, r io.Reader) (digest string, err error) {
	w, err := tmp.Writer(name)
	if err != nil {
		return "", err
	}
	defer fileio.CloseAndReport(w, &err)
	xw, err := xz.NewWriter(w)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(xw, h), r)
	if err != nil {
		xw.Close()
		return "", errors.E("bag: read report", err)
	}
	if err = xw.Close(); err != nil {
		return "", err
	}
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(n))
	if _, err = w.Write(trailer[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SetReport replaces the report with the content of r. The graph and
// the matches, which are derived from the report, are removed.
func (f *File) SetReport(r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	patterns, err := f.loadPatterns(false)
	if err != nil {
		return err
	}
	saved := f.hdr.meta.Clone()
	p := &plan{
		report: func(tmp *scratch.Store, name string) error {
			digest, err := stageReport(tmp, name, r)
			f.hdr.meta.Compile.ReportDigest = digest
			return err
		},
		patterns: patterns,
		data:     f.keep(UserData),
	}
	if err := f.commit(context.Background(), p); err != nil {
		f.hdr.meta = saved
		return err
	}
	return nil
}

// decoder returns the container's decoder, loading the cache lists
// on first use.
func (f *File) decoder() (*refcodec.Decoder, error) {
	if f.dec != nil {
		return f.dec, nil
	}
	dec := refcodec.NewDecoder(nil)
	for _, s := range []Section{GraphCache, PatternCache} {
		if !f.has(s) {
			continue
		}
		zr, err := xz.NewReader(f.view(s))
		if err != nil {
			return nil, f.formatError(fmt.Sprintf("bag: open %s", s), err)
		}
		dec.SetInput(zr)
		name, err := dec.LoadCache()
		if err != nil {
			return nil, f.formatError(fmt.Sprintf("bag: decode %s", s), err)
		}
		if name != s.String() {
			return nil, f.formatError(fmt.Sprintf("bag: decode %s", s), fmt.Errorf("section holds cache list %q", name))
		}
	}
	f.dec = dec
	return dec, nil
}

// load decodes the value stored in section s.
func (f *File) load(s Section) (refcodec.Object, error) {
	dec, err := f.decoder()
	if err != nil {
		return nil, err
	}
	zr, err := xz.NewReader(f.view(s))
	if err != nil {
		return nil, f.formatError(fmt.Sprintf("bag: open %s", s), err)
	}
	dec.SetInput(zr)
	obj, err := dec.Load()
	if err != nil {
		return nil, f.formatError(fmt.Sprintf("bag: decode %s", s), err)
	}
	return obj, nil
}

// loadGraph returns the container's graph. If the graph is absent,
// loadGraph returns a not-set error if required, and nil otherwise.
func (f *File) loadGraph(required bool) (*graph.Graph, error) {
	if f.graph != nil {
		return f.graph, nil
	}
	if !f.has(Graph) {
		if required {
			return nil, f.notSet(Graph)
		}
		return nil, nil
	}
	obj, err := f.load(Graph)
	if err != nil {
		return nil, err
	}
	g, ok := obj.(*graph.Graph)
	if !ok {
		return nil, f.formatError("bag: decode graph", fmt.Errorf("section holds %T", obj))
	}
	f.graph = g
	return g, nil
}

// loadPatterns is loadGraph for the pattern set.
func (f *File) loadPatterns(required bool) (*graph.PatternSet, error) {
	if f.patterns != nil {
		return f.patterns, nil
	}
	if !f.has(Patterns) {
		if required {
			return nil, f.notSet(Patterns)
		}
		return nil, nil
	}
	obj, err := f.load(Patterns)
	if err != nil {
		return nil, err
	}
	ps, ok := obj.(*graph.PatternSet)
	if !ok {
		return nil, f.formatError("bag: decode patterns", fmt.Errorf("section holds %T", obj))
	}
	f.patterns = ps
	return ps, nil
}

// Graph returns the container's graph. Repeated calls return the same
// value until the container is modified.
func (f *File) Graph() (*graph.Graph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	return f.loadGraph(true)
}

// SetGraph replaces the graph. Matches are removed; patterns are kept.
func (f *File) SetGraph(g *graph.Graph) error {
	if g == nil {
		return errors.E(errors.Invalid, "bag: nil graph")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	patterns, err := f.loadPatterns(false)
	if err != nil {
		return err
	}
	return f.commit(context.Background(), &plan{
		report:   f.keep(Report),
		graph:    g,
		patterns: patterns,
		data:     f.keep(UserData),
	})
}

// Patterns returns the container's patterns.
func (f *File) Patterns() ([]*graph.Pattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	ps, err := f.loadPatterns(true)
	if err != nil {
		return nil, err
	}
	return append([]*graph.Pattern(nil), ps.Patterns...), nil
}

// SetPatterns replaces the patterns. Matches are removed, the paint
// color override is reset and the pattern names are recorded in the
// extraction parameters.
func (f *File) SetPatterns(patterns []*graph.Pattern) error {
	names := make(map[string]bool)
	for _, p := range patterns {
		if p == nil {
			return errors.E(errors.Invalid, "bag: nil pattern")
		}
		if names[p.Name] {
			return errors.E(errors.Invalid, fmt.Sprintf("bag: duplicate pattern %q", p.Name))
		}
		names[p.Name] = true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	g, err := f.loadGraph(false)
	if err != nil {
		return err
	}
	set := &graph.PatternSet{Patterns: append([]*graph.Pattern(nil), patterns...)}
	saved := f.hdr.meta.Clone()
	f.hdr.meta.Extract.PaintColor = PaintColor{}
	f.hdr.meta.Extract.Patterns = set.Names()
	err = f.commit(context.Background(), &plan{
		report:   f.keep(Report),
		graph:    g,
		patterns: set,
		data:     f.keep(UserData),
	})
	if err != nil {
		f.hdr.meta = saved
	}
	return err
}

// Matches returns the container's match log. The log is disabled when
// the container is modified or closed.
func (f *File) Matches() (*MatchLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	if f.matches != nil {
		return f.matches, nil
	}
	if !f.has(Matches) {
		return nil, f.notSet(Matches)
	}
	dec, err := f.decoder()
	if err != nil {
		return nil, err
	}
	log, err := recordlog.Open(f.view(Matches), dec.Fork(nil))
	if err != nil {
		return nil, f.formatError("bag: open matches", err)
	}
	f.matches = &MatchLog{Log: log}
	return f.matches, nil
}

// SetMatches replaces the matches with those produced by it. Every
// match must be of one of the container's patterns; the container must
// hold a graph and patterns.
func (f *File) SetMatches(ctx context.Context, it graph.MatchIterator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	g, err := f.loadGraph(true)
	if err != nil {
		return err
	}
	patterns, err := f.loadPatterns(true)
	if err != nil {
		return err
	}
	return f.commit(ctx, &plan{
		report:   f.keep(Report),
		graph:    g,
		patterns: patterns,
		matches:  it,
		data:     f.keep(UserData),
	})
}

// Data returns the user dictionary. An absent dictionary is empty.
func (f *File) Data() (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	data := make(map[string]interface{})
	if !f.has(UserData) {
		return data, nil
	}
	zr, err := xz.NewReader(f.view(UserData))
	if err != nil {
		return nil, f.formatError("bag: open user data", err)
	}
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, f.formatError("bag: decode user data", err)
	}
	return data, nil
}

// SetData replaces the user dictionary. An empty dictionary removes
// the section.
func (f *File) SetData(data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	p := &plan{report: f.keep(Report), keepObjects: true}
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return errors.E(errors.Invalid, "bag: encode user data", err)
		}
		p.data = func(tmp *scratch.Store, name string) error {
			return writeCompressed(tmp, name, func(w io.Writer) error {
				_, err := w.Write(b)
				return err
			})
		}
	}
	return f.commit(context.Background(), p)
}

// Delete removes section s and every section derived from it. Cache
// sections cannot be removed directly.
func (f *File) Delete(s Section) error {
	if s < 0 || s >= numSections || s.cache() {
		return errors.E(errors.Invalid, fmt.Sprintf("bag: cannot delete section %v", s))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	if !f.has(s) {
		return nil
	}
	return f.drop(dependents(s))
}

// Clean removes every section except the user dictionary.
func (f *File) Clean() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	drop := dependents(Report)
	for s := range dependents(Patterns) {
		drop[s] = true
	}
	return f.drop(drop)
}

// drop rewrites the container without the provided sections.
func (f *File) drop(drop map[Section]bool) error {
	p := &plan{}
	if !drop[Report] {
		p.report = f.keep(Report)
	}
	if !drop[UserData] {
		p.data = f.keep(UserData)
	}
	saved := f.hdr.meta.Clone()
	if drop[Graph] || drop[Patterns] || drop[Matches] {
		var err error
		if !drop[Graph] {
			if p.graph, err = f.loadGraph(false); err != nil {
				return err
			}
		}
		if !drop[Patterns] {
			if p.patterns, err = f.loadPatterns(false); err != nil {
				return err
			}
		} else {
			f.hdr.meta.Extract.PaintColor = PaintColor{}
			f.hdr.meta.Extract.Patterns = []string{}
		}
	} else {
		p.keepObjects = true
	}
	if err := f.commit(context.Background(), p); err != nil {
		f.hdr.meta = saved
		return err
	}
	return nil
}
