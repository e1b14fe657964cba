// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package report

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/tracebag/graph"
)

func init() {
	Register(edgeList{})
}

// edgeList parses line-oriented reports:
//
//	# comment
//	vertex <id> <label> [key=value ...]
//	edge <from> <to> <label>
//
// Attribute values may be Go-quoted to contain spaces.
type edgeList struct{}

func (edgeList) Name() string { return "edgelist" }

func (edgeList) Detect(head []byte) bool {
	for _, line := range bytes.Split(head, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		return bytes.HasPrefix(line, []byte("vertex ")) || bytes.HasPrefix(line, []byte("edge "))
	}
	return false
}

// fields splits a line on spaces, keeping quoted strings intact.
func fields(line string) []string {
	var (
		out   []string
		start = -1
		quote bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote && c == '\\':
			i++
		case c == '"':
			quote = !quote
			if start < 0 {
				start = i
			}
		case !quote && (c == ' ' || c == '\t'):
			if start >= 0 {
				out = append(out, line[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		out = append(out, line[start:])
	}
	return out
}

func unquote(s string) (string, error) {
	if strings.HasPrefix(s, `"`) {
		return strconv.Unquote(s)
	}
	return s, nil
}

func (edgeList) Parse(ctx context.Context, r io.Reader) (*graph.Graph, error) {
	g := graph.New()
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64<<10), 16<<20)
	for n := 1; scan.Scan(); n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := strings.TrimSpace(scan.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		f := fields(line)
		switch f[0] {
		case "vertex":
			if len(f) < 3 {
				return nil, syntaxError(n, "vertex needs an id and a label")
			}
			var attrs map[string]string
			for _, kv := range f[3:] {
				i := strings.IndexByte(kv, '=')
				if i <= 0 {
					return nil, syntaxError(n, "malformed attribute %q", kv)
				}
				v, err := unquote(kv[i+1:])
				if err != nil {
					return nil, syntaxError(n, "malformed attribute %q: %v", kv, err)
				}
				if attrs == nil {
					attrs = make(map[string]string)
				}
				attrs[kv[:i]] = v
			}
			if _, err := g.AddVertex(f[1], f[2], attrs); err != nil {
				return nil, syntaxError(n, "%v", err)
			}
		case "edge":
			if len(f) != 4 {
				return nil, syntaxError(n, "edge needs a source, a destination and a label")
			}
			from, to := g.Vertex(f[1]), g.Vertex(f[2])
			if from == nil {
				return nil, dangling(n, f[1])
			}
			if to == nil {
				return nil, dangling(n, f[2])
			}
			g.AddEdge(from, to, f[3])
		default:
			return nil, syntaxError(n, "unknown directive %q", f[0])
		}
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return g, nil
}
