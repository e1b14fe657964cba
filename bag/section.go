// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bag

import (
	"fmt"
	"strings"
)

// Section names one of the data sections of a container. Sections are
// stored in the order of their values.
type Section int

const (
	// Report is the raw execution report.
	Report Section = iota
	// GraphCache is the cache list of the graph's vertices and edges.
	GraphCache
	// Graph is the execution graph compiled from the report.
	Graph
	// PatternCache is the cache list of the patterns and their
	// elements.
	PatternCache
	// Patterns is the set of patterns searched for by extraction.
	Patterns
	// Matches is the record log of pattern matches.
	Matches
	// UserData is a JSON dictionary reserved for callers.
	UserData

	numSections
)

var sectionNames = [numSections]string{
	Report:       "report",
	GraphCache:   "graph-cache",
	Graph:        "graph",
	PatternCache: "pattern-cache",
	Patterns:     "patterns",
	Matches:      "matches",
	UserData:     "user-data",
}

// Sections returns every section in storage order.
func Sections() []Section {
	s := make([]Section, numSections)
	for i := range s {
		s[i] = Section(i)
	}
	return s
}

func (s Section) String() string {
	if s < 0 || s >= numSections {
		return fmt.Sprintf("Section(%d)", int(s))
	}
	return sectionNames[s]
}

// ParseSection returns the section with the provided name.
func ParseSection(name string) (Section, error) {
	for i, n := range sectionNames {
		if strings.EqualFold(n, name) {
			return Section(i), nil
		}
	}
	return 0, fmt.Errorf("bag: unknown section %q", name)
}

// cache reports whether the section is a cache list, written only as
// a consequence of writing its owner.
func (s Section) cache() bool {
	return s == GraphCache || s == PatternCache
}

// dependencies lists, for each section, the sections it is derived
// from. Removing or replacing a section invalidates every section that
// depends on it, transitively. Patterns that pin graph vertices also
// refer to the graph cache; they are re-encoded rather than
// invalidated when the graph changes.
var dependencies = [numSections][]Section{
	Graph:    {Report, GraphCache},
	Patterns: {PatternCache},
	Matches:  {Graph, Patterns},
}

// dependents returns s together with every section that depends on it,
// transitively.
func dependents(s Section) map[Section]bool {
	set := map[Section]bool{s: true}
	for changed := true; changed; {
		changed = false
		for t, deps := range dependencies {
			if set[Section(t)] {
				continue
			}
			for _, d := range deps {
				if set[d] {
					set[Section(t)] = true
					changed = true
					break
				}
			}
		}
	}
	return set
}
