// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace records batch job spans in the Chrome tracing format,
// so that a batch run can be inspected in chrome://tracing.
package trace

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// T is a trace file.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// A Recorder accumulates complete ("X") events, timed relative to the
// recorder's creation.
type Recorder struct {
	mu     sync.Mutex
	origin time.Time
	t      T
}

// NewRecorder returns a recorder whose time origin is now.
func NewRecorder() *Recorder {
	return &Recorder{origin: time.Now()}
}

// Span records a span of work named name, run by worker tid, that
// started at start and ended now.
func (r *Recorder) Span(tid int, name, cat string, start time.Time, args map[string]interface{}) {
	end := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.t.Events = append(r.t.Events, Event{
		Pid:  os.Getpid(),
		Tid:  tid,
		Ts:   start.Sub(r.origin).Microseconds(),
		Ph:   "X",
		Dur:  end.Sub(start).Microseconds(),
		Name: name,
		Cat:  cat,
		Args: args,
	})
}

// Encode writes the recorded events to w.
func (r *Recorder) Encode(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.t.Encode(w)
}

// Encode writes t to w as JSON.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads t from r.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}
