// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package report

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/grailbio/tracebag/graph"
)

func init() {
	Register(jsonLines{})
}

// event is one line of a JSON lines report.
type event struct {
	Type  string            `json:"type"`
	ID    string            `json:"id"`
	Label string            `json:"label"`
	Attrs map[string]string `json:"attrs"`
	From  string            `json:"from"`
	To    string            `json:"to"`
}

// jsonLines parses reports made of one JSON event per line, either
// {"type": "vertex", "id", "label", "attrs"} or
// {"type": "edge", "from", "to", "label"}.
type jsonLines struct{}

func (jsonLines) Name() string { return "jsonl" }

func (jsonLines) Detect(head []byte) bool {
	head = bytes.TrimSpace(head)
	return len(head) > 0 && head[0] == '{' && bytes.Contains(head, []byte(`"type"`))
}

func (jsonLines) Parse(ctx context.Context, r io.Reader) (*graph.Graph, error) {
	g := graph.New()
	dec := json.NewDecoder(r)
	for n := 1; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var ev event
		if err := dec.Decode(&ev); err == io.EOF {
			break
		} else if err != nil {
			return nil, syntaxError(n, "%v", err)
		}
		switch ev.Type {
		case "vertex":
			if ev.ID == "" {
				return nil, syntaxError(n, "vertex without an id")
			}
			if _, err := g.AddVertex(ev.ID, ev.Label, ev.Attrs); err != nil {
				return nil, syntaxError(n, "%v", err)
			}
		case "edge":
			from, to := g.Vertex(ev.From), g.Vertex(ev.To)
			if from == nil {
				return nil, dangling(n, ev.From)
			}
			if to == nil {
				return nil, dangling(n, ev.To)
			}
			g.AddEdge(from, to, ev.Label)
		default:
			return nil, syntaxError(n, "unknown event type %q", ev.Type)
		}
	}
	return g, nil
}
