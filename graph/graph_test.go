// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/tracebag/refcodec"
)

func testGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	p, err := g.AddVertex("p1", "process", map[string]string{"image": "cmd.exe"})
	assert.NoError(t, err)
	f, err := g.AddVertex("f1", "file", map[string]string{"path": `C:\x.dll`})
	assert.NoError(t, err)
	g.AddEdge(p, f, "writes")
	return g
}

func TestGraphIndex(t *testing.T) {
	g := testGraph(t)
	if _, err := g.AddVertex("p1", "process", nil); !errors.Is(errors.Exists, err) {
		t.Errorf("expected duplicate error, got %v", err)
	}
	p, f := g.Vertex("p1"), g.Vertex("f1")
	if got, want := len(g.Out(p)), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.In(f)[0].From, p; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if g.Vertex("missing") != nil {
		t.Error("unexpected vertex")
	}
}

func TestGraphCodec(t *testing.T) {
	g := testGraph(t)
	pat := &Pattern{Name: "writer"}
	pv := &PatternVertex{Name: "proc", Label: "process", Pin: g.Vertices[0]}
	fv := &PatternVertex{Name: "file", Label: "file"}
	pat.Vertices = []*PatternVertex{pv, fv}
	pat.Edges = []*PatternEdge{{From: pv, To: fv, Label: "writes"}}

	var (
		caches, values bytes.Buffer
		enc            = refcodec.NewEncoder(&caches)
	)
	for _, obj := range g.Objects() {
		assert.NoError(t, enc.Cache(obj, "graph-cache"))
	}
	for _, obj := range pat.Objects() {
		assert.NoError(t, enc.Cache(obj, "pattern-cache"))
	}
	assert.NoError(t, enc.DumpCache("graph-cache"))
	assert.NoError(t, enc.DumpCache("pattern-cache"))
	enc.SetOutput(&values)
	assert.NoError(t, enc.Dump(g))
	assert.NoError(t, enc.Dump(&PatternSet{Patterns: []*Pattern{pat}}))
	match := &Match{Pattern: pat, Vertices: g.Vertices, Edges: g.Edges}
	assert.NoError(t, enc.Dump(match))
	assert.NoError(t, enc.Close())

	dec := refcodec.NewDecoder(&caches)
	for i := 0; i < 2; i++ {
		_, err := dec.LoadCache()
		assert.NoError(t, err)
	}
	dec.SetInput(&values)
	og, err := dec.Load()
	assert.NoError(t, err)
	oset, err := dec.Load()
	assert.NoError(t, err)
	om, err := dec.Load()
	assert.NoError(t, err)

	dg, ds, dm := og.(*Graph), oset.(*PatternSet), om.(*Match)
	if !Equal(g, dg) {
		t.Errorf("graph mismatch: got %v, want %v", dg, g)
	}
	dp := ds.Patterns[0]
	if dp.Vertices[0].Pin != dg.Vertices[0] {
		t.Error("pin is not the graph's vertex")
	}
	if dm.Pattern != dp {
		t.Error("match does not refer to the pattern")
	}
	if dm.Edges[0] != dg.Edges[0] || dm.Edges[0].From != dg.Vertices[0] {
		t.Error("match does not refer to the graph's elements")
	}
	if got, want := dg.Out(dg.Vertices[0])[0], dg.Edges[0]; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.EQ(t, ds.Names(), []string{"writer"})
}

func TestPatternAccepts(t *testing.T) {
	g := testGraph(t)
	p, f := g.Vertices[0], g.Vertices[1]
	for _, c := range []struct {
		pv   PatternVertex
		v    *Vertex
		want bool
	}{
		{PatternVertex{}, p, true},
		{PatternVertex{Label: "process"}, p, true},
		{PatternVertex{Label: "process"}, f, false},
		{PatternVertex{Attrs: map[string]string{"image": "cmd.exe"}}, p, true},
		{PatternVertex{Attrs: map[string]string{"image": "sh"}}, p, false},
		{PatternVertex{Pin: p}, p, true},
		{PatternVertex{Pin: p}, f, false},
	} {
		if got := c.pv.Accepts(c.v); got != c.want {
			t.Errorf("%+v accepts %v: got %v, want %v", c.pv, c.v, got, c.want)
		}
	}
	if !(&PatternEdge{}).Accepts(g.Edges[0]) || (&PatternEdge{Label: "reads"}).Accepts(g.Edges[0]) {
		t.Error("edge label constraint")
	}
}

func TestSliceMatches(t *testing.T) {
	ctx := context.Background()
	it := SliceMatches(&Match{}, &Match{})
	for i := 0; i < 2; i++ {
		if _, err := it.Next(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := it.Next(ctx); err != io.EOF {
		t.Errorf("got %v, want EOF", err)
	}
}
