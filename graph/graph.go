// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package graph provides the values stored in tracebag containers:
// execution graphs derived from reports, the patterns searched for
// in them, and the matches found. All values are refcodec objects,
// so that vertices and edges shared between a graph, its patterns
// and its matches are stored once.
package graph

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Vertex is a graph vertex: a process, file, thread, registry key
// or any other entity observed in a trace.
type Vertex struct {
	ID    string
	Label string
	Attrs map[string]string
}

func (v *Vertex) String() string {
	return fmt.Sprintf("%s(%s)", v.Label, v.ID)
}

// An Edge is a directed, labeled relation between two vertices.
type Edge struct {
	From, To *Vertex
	Label    string
}

func (e *Edge) String() string {
	return fmt.Sprintf("%v -%s-> %v", e.From, e.Label, e.To)
}

// A Graph is a set of vertices and the edges among them. Vertex IDs
// are unique within a graph.
type Graph struct {
	Vertices []*Vertex
	Edges    []*Edge

	ids map[string]*Vertex
	out map[*Vertex][]*Edge
	in  map[*Vertex][]*Edge
}

// New returns a new, empty graph.
func New() *Graph {
	return new(Graph)
}

func (g *Graph) index() {
	if g.ids != nil {
		return
	}
	g.ids = make(map[string]*Vertex, len(g.Vertices))
	g.out = make(map[*Vertex][]*Edge)
	g.in = make(map[*Vertex][]*Edge)
	for _, v := range g.Vertices {
		g.ids[v.ID] = v
	}
	for _, e := range g.Edges {
		g.out[e.From] = append(g.out[e.From], e)
		g.in[e.To] = append(g.in[e.To], e)
	}
}

// AddVertex adds a new vertex to the graph. It is an error to add
// two vertices with the same ID.
func (g *Graph) AddVertex(id, label string, attrs map[string]string) (*Vertex, error) {
	g.index()
	if _, ok := g.ids[id]; ok {
		return nil, errors.E(errors.Exists, fmt.Sprintf("graph: duplicate vertex %q", id))
	}
	v := &Vertex{ID: id, Label: label, Attrs: attrs}
	g.Vertices = append(g.Vertices, v)
	g.ids[id] = v
	return v, nil
}

// AddEdge adds an edge between two vertices of the graph.
func (g *Graph) AddEdge(from, to *Vertex, label string) *Edge {
	g.index()
	e := &Edge{From: from, To: to, Label: label}
	g.Edges = append(g.Edges, e)
	g.out[from] = append(g.out[from], e)
	g.in[to] = append(g.in[to], e)
	return e
}

// Vertex returns the vertex with the provided ID, or nil.
func (g *Graph) Vertex(id string) *Vertex {
	g.index()
	return g.ids[id]
}

// Out returns the edges leaving v.
func (g *Graph) Out(v *Vertex) []*Edge {
	g.index()
	return g.out[v]
}

// In returns the edges entering v.
func (g *Graph) In(v *Vertex) []*Edge {
	g.index()
	return g.in[v]
}

// Equal tells whether two graphs have the same vertices and edges,
// in the same order.
func Equal(a, b *Graph) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Vertices) != len(b.Vertices) || len(a.Edges) != len(b.Edges) {
		return false
	}
	for i := range a.Vertices {
		if !equalVertex(a.Vertices[i], b.Vertices[i]) {
			return false
		}
	}
	for i := range a.Edges {
		ea, eb := a.Edges[i], b.Edges[i]
		if ea.Label != eb.Label || !equalVertex(ea.From, eb.From) || !equalVertex(ea.To, eb.To) {
			return false
		}
	}
	return true
}

func equalVertex(a, b *Vertex) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Label == b.Label && equalAttrs(a.Attrs, b.Attrs)
}

func equalAttrs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
