// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"context"
	"io"
	"sort"
)

// A PatternVertex constrains the graph vertices a pattern may bind.
// An empty label accepts any label; every attribute in Attrs must be
// present with the same value. A pinned pattern vertex binds only
// the vertex Pin.
type PatternVertex struct {
	Name  string
	Label string
	Attrs map[string]string
	Pin   *Vertex
}

// Accepts tells whether v satisfies the pattern vertex's constraints.
func (p *PatternVertex) Accepts(v *Vertex) bool {
	if p.Pin != nil && p.Pin != v {
		return false
	}
	if p.Label != "" && p.Label != v.Label {
		return false
	}
	for k, want := range p.Attrs {
		if got, ok := v.Attrs[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// A PatternEdge constrains the graph edges between two bound
// vertices. An empty label accepts any label.
type PatternEdge struct {
	From, To *PatternVertex
	Label    string
}

// Accepts tells whether e satisfies the pattern edge's label.
func (p *PatternEdge) Accepts(e *Edge) bool {
	return p.Label == "" || p.Label == e.Label
}

// A Pattern is a metagraph: a small graph of constraints searched for
// in execution graphs.
type Pattern struct {
	Name     string
	Vertices []*PatternVertex
	Edges    []*PatternEdge
}

// A PatternSet is the top-level value of a container's patterns
// section.
type PatternSet struct {
	Patterns []*Pattern
}

// Names returns the sorted names of the patterns in the set.
func (s *PatternSet) Names() []string {
	names := make([]string, len(s.Patterns))
	for i, p := range s.Patterns {
		names[i] = p.Name
	}
	sort.Strings(names)
	return names
}

// A Match binds every vertex and edge of a pattern to a vertex and
// edge of a graph. Vertices[i] is bound by Pattern.Vertices[i] and
// Edges[i] by Pattern.Edges[i].
type Match struct {
	Pattern  *Pattern
	Vertices []*Vertex
	Edges    []*Edge
}

// A MatchIterator produces matches. Next returns io.EOF after the
// last match.
type MatchIterator interface {
	Next(ctx context.Context) (*Match, error)
}

type sliceIterator []*Match

func (it *sliceIterator) Next(ctx context.Context) (*Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(*it) == 0 {
		return nil, io.EOF
	}
	m := (*it)[0]
	*it = (*it)[1:]
	return m, nil
}

// SliceMatches returns an iterator over the provided matches.
func SliceMatches(matches ...*Match) MatchIterator {
	it := sliceIterator(matches)
	return &it
}
