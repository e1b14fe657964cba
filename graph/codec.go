// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"github.com/grailbio/tracebag/refcodec"
)

func init() {
	refcodec.Register("graph.Vertex", func() refcodec.Object { return new(Vertex) })
	refcodec.Register("graph.Edge", func() refcodec.Object { return new(Edge) })
	refcodec.Register("graph.Graph", func() refcodec.Object { return new(Graph) })
	refcodec.Register("graph.PatternVertex", func() refcodec.Object { return new(PatternVertex) })
	refcodec.Register("graph.PatternEdge", func() refcodec.Object { return new(PatternEdge) })
	refcodec.Register("graph.Pattern", func() refcodec.Object { return new(Pattern) })
	refcodec.Register("graph.PatternSet", func() refcodec.Object { return new(PatternSet) })
	refcodec.Register("graph.Match", func() refcodec.Object { return new(Match) })
}

// Objects returns the graph's vertices followed by its edges.
func (g *Graph) Objects() []refcodec.Object {
	objs := make([]refcodec.Object, 0, len(g.Vertices)+len(g.Edges))
	for _, v := range g.Vertices {
		objs = append(objs, v)
	}
	for _, e := range g.Edges {
		objs = append(objs, e)
	}
	return objs
}

// Objects returns the pattern followed by its vertices and edges.
func (p *Pattern) Objects() []refcodec.Object {
	objs := make([]refcodec.Object, 0, 1+len(p.Vertices)+len(p.Edges))
	objs = append(objs, p)
	for _, v := range p.Vertices {
		objs = append(objs, v)
	}
	for _, e := range p.Edges {
		objs = append(objs, e)
	}
	return objs
}

func (v *Vertex) MarshalRef(enc *refcodec.Encoder) error {
	enc.String(v.ID)
	enc.String(v.Label)
	enc.StringMap(v.Attrs)
	return nil
}

func (v *Vertex) UnmarshalRef(dec *refcodec.Decoder) error {
	v.ID = dec.String()
	v.Label = dec.String()
	v.Attrs = dec.StringMap()
	return dec.Err()
}

func (e *Edge) MarshalRef(enc *refcodec.Encoder) error {
	if err := enc.Ref(e.From); err != nil {
		return err
	}
	if err := enc.Ref(e.To); err != nil {
		return err
	}
	enc.String(e.Label)
	return nil
}

func (e *Edge) UnmarshalRef(dec *refcodec.Decoder) error {
	dec.RefInto(&e.From)
	dec.RefInto(&e.To)
	e.Label = dec.String()
	return dec.Err()
}

func (g *Graph) MarshalRef(enc *refcodec.Encoder) error {
	enc.Uvarint(uint64(len(g.Vertices)))
	for _, v := range g.Vertices {
		if err := enc.Ref(v); err != nil {
			return err
		}
	}
	enc.Uvarint(uint64(len(g.Edges)))
	for _, e := range g.Edges {
		if err := enc.Ref(e); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) UnmarshalRef(dec *refcodec.Decoder) error {
	g.Vertices = make([]*Vertex, dec.Len())
	for i := range g.Vertices {
		dec.RefInto(&g.Vertices[i])
	}
	g.Edges = make([]*Edge, dec.Len())
	for i := range g.Edges {
		dec.RefInto(&g.Edges[i])
	}
	g.ids, g.out, g.in = nil, nil, nil
	return dec.Err()
}

func (p *PatternVertex) MarshalRef(enc *refcodec.Encoder) error {
	enc.String(p.Name)
	enc.String(p.Label)
	enc.StringMap(p.Attrs)
	return enc.Ref(p.Pin)
}

func (p *PatternVertex) UnmarshalRef(dec *refcodec.Decoder) error {
	p.Name = dec.String()
	p.Label = dec.String()
	p.Attrs = dec.StringMap()
	dec.RefInto(&p.Pin)
	return dec.Err()
}

func (p *PatternEdge) MarshalRef(enc *refcodec.Encoder) error {
	if err := enc.Ref(p.From); err != nil {
		return err
	}
	if err := enc.Ref(p.To); err != nil {
		return err
	}
	enc.String(p.Label)
	return nil
}

func (p *PatternEdge) UnmarshalRef(dec *refcodec.Decoder) error {
	dec.RefInto(&p.From)
	dec.RefInto(&p.To)
	p.Label = dec.String()
	return dec.Err()
}

func (p *Pattern) MarshalRef(enc *refcodec.Encoder) error {
	enc.String(p.Name)
	enc.Uvarint(uint64(len(p.Vertices)))
	for _, v := range p.Vertices {
		if err := enc.Ref(v); err != nil {
			return err
		}
	}
	enc.Uvarint(uint64(len(p.Edges)))
	for _, e := range p.Edges {
		if err := enc.Ref(e); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pattern) UnmarshalRef(dec *refcodec.Decoder) error {
	p.Name = dec.String()
	p.Vertices = make([]*PatternVertex, dec.Len())
	for i := range p.Vertices {
		dec.RefInto(&p.Vertices[i])
	}
	p.Edges = make([]*PatternEdge, dec.Len())
	for i := range p.Edges {
		dec.RefInto(&p.Edges[i])
	}
	return dec.Err()
}

func (s *PatternSet) MarshalRef(enc *refcodec.Encoder) error {
	enc.Uvarint(uint64(len(s.Patterns)))
	for _, p := range s.Patterns {
		if err := enc.Ref(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *PatternSet) UnmarshalRef(dec *refcodec.Decoder) error {
	s.Patterns = make([]*Pattern, dec.Len())
	for i := range s.Patterns {
		dec.RefInto(&s.Patterns[i])
	}
	return dec.Err()
}

func (m *Match) MarshalRef(enc *refcodec.Encoder) error {
	if err := enc.Ref(m.Pattern); err != nil {
		return err
	}
	enc.Uvarint(uint64(len(m.Vertices)))
	for _, v := range m.Vertices {
		if err := enc.Ref(v); err != nil {
			return err
		}
	}
	enc.Uvarint(uint64(len(m.Edges)))
	for _, e := range m.Edges {
		if err := enc.Ref(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Match) UnmarshalRef(dec *refcodec.Decoder) error {
	dec.RefInto(&m.Pattern)
	m.Vertices = make([]*Vertex, dec.Len())
	for i := range m.Vertices {
		dec.RefInto(&m.Vertices[i])
	}
	m.Edges = make([]*Edge, dec.Len())
	for i := range m.Edges {
		dec.RefInto(&m.Edges[i])
	}
	return dec.Err()
}
