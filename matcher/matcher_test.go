// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package matcher

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/tracebag/graph"
)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	add := func(id, label string) *graph.Vertex {
		v, err := g.AddVertex(id, label, nil)
		assert.NoError(t, err)
		return v
	}
	p1, p2 := add("p1", "process"), add("p2", "process")
	f1, f2 := add("f1", "file"), add("f2", "file")
	g.AddEdge(p1, p2, "spawns")
	g.AddEdge(p2, f1, "writes")
	g.AddEdge(p1, f2, "writes")
	g.AddEdge(p1, f2, "writes")
	return g
}

const testLibrary = `
patterns:
- name: writer
  vertices:
  - {name: proc, label: process}
  - {name: file, label: file}
  edges:
  - {from: proc, to: file, label: writes}
- name: dropper
  vertices:
  - {name: parent, label: process}
  - {name: child, label: process}
  - {name: file, label: file}
  edges:
  - {from: parent, to: child, label: spawns}
  - {from: child, to: file, label: writes}
---
patterns:
- name: pinned
  vertices:
  - {name: proc, pin: p2}
  - {name: any}
  edges:
  - {from: proc, to: any}
`

func count(t *testing.T, it graph.MatchIterator) map[string]int {
	t.Helper()
	n := make(map[string]int)
	for {
		m, err := it.Next(context.Background())
		if err == io.EOF {
			return n
		}
		assert.NoError(t, err)
		if len(m.Vertices) != len(m.Pattern.Vertices) || len(m.Edges) != len(m.Pattern.Edges) {
			t.Fatalf("match %v is not aligned with its pattern", m)
		}
		for i, pv := range m.Pattern.Vertices {
			if !pv.Accepts(m.Vertices[i]) {
				t.Errorf("%s: vertex %v not accepted by %s", m.Pattern.Name, m.Vertices[i], pv.Name)
			}
		}
		n[m.Pattern.Name]++
	}
}

func TestFind(t *testing.T) {
	g := testGraph(t)
	patterns, err := ReadPatterns(strings.NewReader(testLibrary), g)
	assert.NoError(t, err)
	assert.EQ(t, len(patterns), 3)
	if patterns[2].Vertices[0].Pin != g.Vertex("p2") {
		t.Error("pin not resolved")
	}
	got := count(t, Find(g, patterns))
	// p1 writes f2 over two parallel edges.
	want := map[string]int{"writer": 3, "dropper": 1, "pinned": 1}
	for name, n := range want {
		if got[name] != n {
			t.Errorf("%s: got %v, want %v", name, got[name], n)
		}
	}
}

func TestSearchCanceled(t *testing.T) {
	g := graph.New()
	for i := 0; i < 100; i++ {
		_, err := g.AddVertex(string(rune('a'+i%26))+string(rune('0'+i/26)), "v", nil)
		assert.NoError(t, err)
	}
	// Five unconstrained vertices have 100^5 candidate assignments.
	p := &graph.Pattern{Name: "any"}
	for i := 0; i < 5; i++ {
		p.Vertices = append(p.Vertices, &graph.PatternVertex{Name: string(rune('a' + i))})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Search(ctx, g, p); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestFindIncremental(t *testing.T) {
	g := graph.New()
	for i := 0; i < 100; i++ {
		_, err := g.AddVertex(fmt.Sprint(i), "v", nil)
		assert.NoError(t, err)
	}
	p := &graph.Pattern{Name: "any"}
	for i := 0; i < 5; i++ {
		p.Vertices = append(p.Vertices, &graph.PatternVertex{Name: fmt.Sprint(i)})
	}
	// Collecting every match would take 100^5 steps.
	it := Find(g, []*graph.Pattern{p})
	ctx, cancel := context.WithCancel(context.Background())
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		m, err := it.Next(ctx)
		assert.NoError(t, err)
		key := fmt.Sprint(m.Vertices)
		if seen[key] {
			t.Errorf("match %s returned twice", key)
		}
		seen[key] = true
	}
	cancel()
	if _, err := it.Next(ctx); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestParallelEdges(t *testing.T) {
	g := graph.New()
	p, err := g.AddVertex("p", "process", nil)
	assert.NoError(t, err)
	f, err := g.AddVertex("f", "file", nil)
	assert.NoError(t, err)
	for i := 0; i < 3; i++ {
		g.AddEdge(p, f, "writes")
	}
	proc := &graph.PatternVertex{Name: "proc", Pin: p}
	file := &graph.PatternVertex{Name: "file"}
	pat := &graph.Pattern{
		Name:     "writer",
		Vertices: []*graph.PatternVertex{proc, file},
		Edges:    []*graph.PatternEdge{{From: proc, To: file}},
	}
	matches, err := Search(context.Background(), g, pat)
	assert.NoError(t, err)
	// One match per parallel edge, each with a distinct edge.
	if got, want := len(matches), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	edges := make(map[*graph.Edge]bool)
	for _, m := range matches {
		edges[m.Edges[0]] = true
	}
	if got, want := len(edges), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReadPatternsErrors(t *testing.T) {
	for _, c := range []struct {
		doc  string
		kind errors.Kind
	}{
		{"patterns: [{vertices: [{name: a}]}]", errors.Invalid},
		{"patterns: [{name: p, vertices: [{name: a}, {name: a}]}]", errors.Invalid},
		{"patterns: [{name: p, vertices: [{name: a}], edges: [{from: a, to: b}]}]", errors.Invalid},
		{"patterns: [{name: p, vertices: [{name: a, pin: nowhere}]}]", errors.NotExist},
		{"patterns: {", errors.Invalid},
	} {
		if _, err := ReadPatterns(strings.NewReader(c.doc), testGraph(t)); !errors.Is(c.kind, err) {
			t.Errorf("%q: expected %v error, got %v", c.doc, c.kind, err)
		}
	}
}

func TestLoadPatterns(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "library.yaml")
	assert.NoError(t, ioutil.WriteFile(path, []byte(testLibrary), 0644))
	patterns, err := LoadPatterns(context.Background(), testGraph(t), path)
	assert.NoError(t, err)
	assert.EQ(t, len(patterns), 3)
	if _, err := LoadPatterns(context.Background(), nil, path); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not-exist error for an unresolved pin, got %v", err)
	}
}

func TestNames(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "library.yaml")
	assert.NoError(t, ioutil.WriteFile(path, []byte(testLibrary), 0644))
	names, err := Names(context.Background(), path)
	assert.NoError(t, err)
	assert.EQ(t, names, []string{"writer", "dropper", "pinned"})
}
