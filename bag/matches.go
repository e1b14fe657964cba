// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bag

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracebag/graph"
	"github.com/grailbio/tracebag/recordlog"
	"github.com/grailbio/tracebag/refcodec"
)

// A MatchLog is the decoded matches section of a container. Matches
// are grouped by pattern and decoded on demand.
type MatchLog struct {
	*recordlog.Log
}

func asMatch(obj refcodec.Object, err error) (*graph.Match, error) {
	if err != nil {
		return nil, err
	}
	m, ok := obj.(*graph.Match)
	if !ok {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("bag: match log holds %T", obj))
	}
	return m, nil
}

// Match returns the i'th match.
func (l *MatchLog) Match(i int) (*graph.Match, error) {
	return asMatch(l.Get(i))
}

// Patterns returns the patterns that have matches, in order of their
// first match.
func (l *MatchLog) Patterns() ([]*graph.Pattern, error) {
	keys, err := l.Groups()
	if err != nil {
		return nil, err
	}
	patterns := make([]*graph.Pattern, 0, len(keys))
	for _, key := range keys {
		if p, ok := key.(*graph.Pattern); ok {
			patterns = append(patterns, p)
		}
	}
	return patterns, nil
}

// Of returns the matches of pattern p.
func (l *MatchLog) Of(p *graph.Pattern) *recordlog.View {
	return l.Group(p)
}

type scanIterator struct {
	s *recordlog.Scanner
}

func (it *scanIterator) Next(ctx context.Context) (*graph.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !it.s.Scan() {
		if err := it.s.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return asMatch(it.s.Value(), nil)
}

// Iterator returns an iterator over every match in the log.
func (l *MatchLog) Iterator() graph.MatchIterator {
	return &scanIterator{l.Scan()}
}

// IteratorOf returns an iterator over the matches of pattern p.
func (l *MatchLog) IteratorOf(p *graph.Pattern) graph.MatchIterator {
	return &scanIterator{l.Group(p).Scan()}
}
