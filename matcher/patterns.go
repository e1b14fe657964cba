// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package matcher

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/tracebag/graph"
	"gopkg.in/yaml.v3"
)

// A library is a YAML document of patterns:
//
//	patterns:
//	- name: writer
//	  vertices:
//	  - {name: proc, label: process, attrs: {image: cmd.exe}}
//	  - {name: file, label: file}
//	  edges:
//	  - {from: proc, to: file, label: writes}
//
// A vertex may be pinned to a graph vertex with "pin: <vertex id>".
type library struct {
	Patterns []patternSpec `yaml:"patterns"`
}

type patternSpec struct {
	Name     string       `yaml:"name"`
	Vertices []vertexSpec `yaml:"vertices"`
	Edges    []edgeSpec   `yaml:"edges"`
}

type vertexSpec struct {
	Name  string            `yaml:"name"`
	Label string            `yaml:"label"`
	Attrs map[string]string `yaml:"attrs"`
	Pin   string            `yaml:"pin"`
}

type edgeSpec struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Label string `yaml:"label"`
}

// ReadPatterns decodes the patterns of every YAML document in r. Pinned
// vertices are resolved in g, which may be nil if no vertex is pinned.
func ReadPatterns(r io.Reader, g *graph.Graph) ([]*graph.Pattern, error) {
	var patterns []*graph.Pattern
	dec := yaml.NewDecoder(r)
	for {
		var lib library
		if err := dec.Decode(&lib); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.E(errors.Invalid, "matcher: decode patterns", err)
		}
		for _, spec := range lib.Patterns {
			p, err := spec.build(g)
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, p)
		}
	}
	return patterns, nil
}

func (s *patternSpec) build(g *graph.Graph) (*graph.Pattern, error) {
	if s.Name == "" {
		return nil, errors.E(errors.Invalid, "matcher: pattern without a name")
	}
	p := &graph.Pattern{Name: s.Name}
	byName := make(map[string]*graph.PatternVertex)
	for _, vs := range s.Vertices {
		if vs.Name == "" || byName[vs.Name] != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("matcher: pattern %s: missing or duplicate vertex name %q", s.Name, vs.Name))
		}
		v := &graph.PatternVertex{Name: vs.Name, Label: vs.Label, Attrs: vs.Attrs}
		if vs.Pin != "" {
			if g != nil {
				v.Pin = g.Vertex(vs.Pin)
			}
			if v.Pin == nil {
				return nil, errors.E(errors.NotExist, fmt.Sprintf("matcher: pattern %s: pinned vertex %q is not in the graph", s.Name, vs.Pin))
			}
		}
		byName[vs.Name] = v
		p.Vertices = append(p.Vertices, v)
	}
	for _, es := range s.Edges {
		from, to := byName[es.From], byName[es.To]
		if from == nil || to == nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("matcher: pattern %s: edge %s -> %s refers to an unknown vertex", s.Name, es.From, es.To))
		}
		p.Edges = append(p.Edges, &graph.PatternEdge{From: from, To: to, Label: es.Label})
	}
	return p, nil
}

// LoadPatterns reads the pattern libraries at paths.
func LoadPatterns(ctx context.Context, g *graph.Graph, paths ...string) (patterns []*graph.Pattern, err error) {
	for _, path := range paths {
		f, err := file.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		ps, err := ReadPatterns(f.Reader(ctx), g)
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, errors.E(fmt.Sprintf("matcher: %s", path), err)
		}
		patterns = append(patterns, ps...)
	}
	return patterns, nil
}

// Names returns the names of the patterns defined in the libraries at
// paths, in definition order. Pins are not resolved.
func Names(ctx context.Context, paths ...string) ([]string, error) {
	var names []string
	for _, path := range paths {
		f, err := file.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(f.Reader(ctx))
		for {
			var lib library
			if err = dec.Decode(&lib); err != nil {
				break
			}
			for _, spec := range lib.Patterns {
				names = append(names, spec.Name)
			}
		}
		if err == io.EOF {
			err = nil
		}
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("matcher: %s", path), err)
		}
	}
	return names, nil
}
