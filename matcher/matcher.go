// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package matcher searches graphs for patterns. A match assigns to
// each pattern vertex a distinct graph vertex it accepts, and to each
// pattern edge a distinct graph edge it accepts between the images of
// its endpoints.
package matcher

import (
	"context"
	"io"

	"github.com/grailbio/tracebag/graph"
)

// checkInterval is the number of search steps between context checks.
const checkInterval = 4096

// A search enumerates the matches of one pattern by backtracking. The
// assignment is built level by level: first the pattern vertices, in
// order, then the pattern edges. Each call to Next resumes where the
// previous match left off.
type search struct {
	g     *graph.Graph
	p     *graph.Pattern
	index map[*graph.PatternVertex]int
	vs    []*graph.Vertex
	es    []*graph.Edge
	used  map[*graph.Vertex]bool
	usedE map[*graph.Edge]bool
	// cands and vpos hold the candidates of each vertex level and the
	// next one to try; epos is the next out-edge to try per edge level.
	cands [][]*graph.Vertex
	vpos  []int
	epos  []int
	depth int
	steps int
	done  bool
}

func newSearch(g *graph.Graph, p *graph.Pattern) *search {
	s := &search{
		g:     g,
		p:     p,
		index: make(map[*graph.PatternVertex]int, len(p.Vertices)),
		vs:    make([]*graph.Vertex, len(p.Vertices)),
		es:    make([]*graph.Edge, len(p.Edges)),
		used:  make(map[*graph.Vertex]bool),
		usedE: make(map[*graph.Edge]bool),
		cands: make([][]*graph.Vertex, len(p.Vertices)),
		vpos:  make([]int, len(p.Vertices)),
		epos:  make([]int, len(p.Edges)),
		done:  len(p.Vertices) == 0,
	}
	for i, v := range p.Vertices {
		s.index[v] = i
	}
	if !s.done {
		s.reset(0)
	}
	return s
}

// Search returns every match of p in g. A pattern without vertices
// has no matches.
func Search(ctx context.Context, g *graph.Graph, p *graph.Pattern) ([]*graph.Match, error) {
	var (
		s       = newSearch(g, p)
		matches []*graph.Match
	)
	for {
		m, err := s.Next(ctx)
		if err == io.EOF {
			return matches, nil
		}
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
}

// Next returns the next match, or io.EOF when there are no more.
func (s *search) Next(ctx context.Context) (*graph.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	levels := len(s.vs) + len(s.es)
	for !s.done {
		ok, err := s.advance(ctx, s.depth)
		if err != nil {
			return nil, err
		}
		switch {
		case !ok && s.depth == 0:
			s.done = true
		case !ok:
			s.depth--
		case s.depth == levels-1:
			return &graph.Match{
				Pattern:  s.p,
				Vertices: append([]*graph.Vertex(nil), s.vs...),
				Edges:    append([]*graph.Edge(nil), s.es...),
			}, nil
		default:
			s.depth++
			s.reset(s.depth)
		}
	}
	return nil, io.EOF
}

func (s *search) step(ctx context.Context) error {
	s.steps++
	if s.steps%checkInterval == 0 {
		return ctx.Err()
	}
	return nil
}

// reset prepares level l to be tried from its first choice.
func (s *search) reset(l int) {
	if l < len(s.vs) {
		s.cands[l] = s.candidates(l)
		s.vpos[l] = 0
		return
	}
	s.epos[l-len(s.vs)] = 0
}

// advance releases the current choice at level l and makes the next
// valid one. It returns false when level l is exhausted.
func (s *search) advance(ctx context.Context, l int) (bool, error) {
	if l < len(s.vs) {
		return s.vertex(ctx, l)
	}
	return s.edge(ctx, l-len(s.vs))
}

// candidates returns the distinct graph vertices that may be assigned
// to pattern vertex i, given the assignment of vertices [0, i).
func (s *search) candidates(i int) []*graph.Vertex {
	pv := s.p.Vertices[i]
	if pv.Pin != nil {
		return []*graph.Vertex{pv.Pin}
	}
	var (
		vs   []*graph.Vertex
		seen = make(map[*graph.Vertex]bool)
	)
	for _, e := range s.p.Edges {
		from, to := s.index[e.From], s.index[e.To]
		switch {
		case to == i && from < i:
			for _, ge := range s.g.Out(s.vs[from]) {
				if !seen[ge.To] {
					seen[ge.To] = true
					vs = append(vs, ge.To)
				}
			}
			return vs
		case from == i && to < i:
			for _, ge := range s.g.In(s.vs[to]) {
				if !seen[ge.From] {
					seen[ge.From] = true
					vs = append(vs, ge.From)
				}
			}
			return vs
		}
	}
	return s.g.Vertices
}

// consistent tells whether every pattern edge between vertex i and
// the vertices assigned before it has an accepting graph edge.
func (s *search) consistent(i int) bool {
	for _, e := range s.p.Edges {
		from, to := s.index[e.From], s.index[e.To]
		if from > i || to > i || (from != i && to != i) {
			continue
		}
		ok := false
		for _, ge := range s.g.Out(s.vs[from]) {
			if ge.To == s.vs[to] && e.Accepts(ge) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *search) vertex(ctx context.Context, i int) (bool, error) {
	if v := s.vs[i]; v != nil {
		s.used[v] = false
		s.vs[i] = nil
	}
	pv := s.p.Vertices[i]
	for s.vpos[i] < len(s.cands[i]) {
		if err := s.step(ctx); err != nil {
			return false, err
		}
		v := s.cands[i][s.vpos[i]]
		s.vpos[i]++
		if s.used[v] || !pv.Accepts(v) {
			continue
		}
		s.vs[i] = v
		s.used[v] = true
		if s.consistent(i) {
			return true, nil
		}
		s.used[v] = false
		s.vs[i] = nil
	}
	return false, nil
}

func (s *search) edge(ctx context.Context, j int) (bool, error) {
	if ge := s.es[j]; ge != nil {
		s.usedE[ge] = false
		s.es[j] = nil
	}
	e := s.p.Edges[j]
	from, to := s.vs[s.index[e.From]], s.vs[s.index[e.To]]
	out := s.g.Out(from)
	for s.epos[j] < len(out) {
		if err := s.step(ctx); err != nil {
			return false, err
		}
		ge := out[s.epos[j]]
		s.epos[j]++
		if ge.To != to || s.usedE[ge] || !e.Accepts(ge) {
			continue
		}
		s.es[j] = ge
		s.usedE[ge] = true
		return true, nil
	}
	return false, nil
}

type finder struct {
	g        *graph.Graph
	patterns []*graph.Pattern
	next     int
	cur      *search
}

// Find returns an iterator over the matches of patterns in g. Matches
// are produced pattern by pattern, in the order of patterns, and are
// searched for only as the iterator advances.
func Find(g *graph.Graph, patterns []*graph.Pattern) graph.MatchIterator {
	return &finder{g: g, patterns: patterns}
}

func (f *finder) Next(ctx context.Context) (*graph.Match, error) {
	for {
		if f.cur == nil {
			if f.next == len(f.patterns) {
				return nil, io.EOF
			}
			f.cur = newSearch(f.g, f.patterns[f.next])
			f.next++
		}
		m, err := f.cur.Next(ctx)
		if err == io.EOF {
			f.cur = nil
			continue
		}
		return m, err
	}
}
