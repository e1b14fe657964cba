// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package report compiles execution reports into graphs. Report
// formats are provided by parsers, which are registered by name and
// may be selected explicitly or detected from the head of a report.
package report

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracebag/graph"
)

// HeadSize is the number of bytes examined by Detect.
const HeadSize = 4096

// A Parser compiles reports of one format.
type Parser interface {
	// Name returns the name of the format.
	Name() string
	// Detect tells whether the head of a report is in this format.
	Detect(head []byte) bool
	// Parse compiles the report read from r into a graph. References
	// to undeclared vertices are errors.NotExist errors.
	Parse(ctx context.Context, r io.Reader) (*graph.Graph, error)
}

var (
	mu      sync.Mutex
	parsers = make(map[string]Parser)
)

// Register registers a parser. Registering two parsers with the same
// name panics.
func Register(p Parser) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := parsers[p.Name()]; ok {
		panic(fmt.Sprintf("report: parser %q registered twice", p.Name()))
	}
	parsers[p.Name()] = p
}

// Lookup returns the parser for the named format.
func Lookup(name string) (Parser, error) {
	mu.Lock()
	defer mu.Unlock()
	p, ok := parsers[name]
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("report: unknown format %q", name))
	}
	return p, nil
}

// Names returns the names of the registered formats, sorted.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(parsers))
	for name := range parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect returns the parser for the report whose head is provided.
// Formats are tried in name order.
func Detect(head []byte) (Parser, error) {
	for _, name := range Names() {
		p, _ := Lookup(name)
		if p.Detect(head) {
			return p, nil
		}
	}
	return nil, errors.E(errors.Invalid, "report: unrecognized report format")
}

// Compile compiles the report read from r with the named parser, or
// with the detected parser if format is empty. It returns the graph
// and the name of the format used.
func Compile(ctx context.Context, r io.Reader, format string) (*graph.Graph, string, error) {
	br := bufio.NewReaderSize(r, HeadSize)
	var (
		p   Parser
		err error
	)
	if format != "" {
		p, err = Lookup(format)
	} else {
		head, _ := br.Peek(HeadSize)
		p, err = Detect(head)
	}
	if err != nil {
		return nil, "", err
	}
	g, err := p.Parse(ctx, br)
	if err != nil {
		return nil, p.Name(), err
	}
	return g, p.Name(), nil
}

// dangling returns the error for a reference to an undeclared vertex.
func dangling(line int, id string) error {
	return errors.E(errors.NotExist, fmt.Sprintf("report: line %d: reference to undeclared vertex %q", line, id))
}

func syntaxError(line int, format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf("report: line %d: %s", line, fmt.Sprintf(format, args...)))
}
