// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracebag/failure"
)

// MaxVerbosity is the highest accepted verbosity level.
const MaxVerbosity = 3

// Metadata is the parameter record stored in a container's header.
type Metadata struct {
	Compile CompileParams `json:"compile"`
	Extract ExtractParams `json:"extract"`
}

// CompileParams are the parameters and outcome of the last
// compilation of a container.
type CompileParams struct {
	Verbosity          int             `json:"verbosity"`
	Timeout            Timeout         `json:"timeout"`
	Perf               bool            `json:"perf"`
	Suppress           bool            `json:"suppress"`
	SkipDataComparison bool            `json:"skip_data_comparison"`
	SkipDiffComparison bool            `json:"skip_diff_comparison"`
	Filters            []string        `json:"filters"`
	BackgroundColor    Color           `json:"background_color"`
	ReportFormat       string          `json:"report_format,omitempty"`
	ReportDigest       string          `json:"report_digest,omitempty"`
	Failure            *failure.Record `json:"failure"`
}

// ExtractParams are the parameters and outcome of the last extraction
// run on a container.
type ExtractParams struct {
	Verbosity  int             `json:"verbosity"`
	Timeout    Timeout         `json:"timeout"`
	Perf       bool            `json:"perf"`
	Suppress   bool            `json:"suppress"`
	PaintColor PaintColor      `json:"paint_color"`
	Patterns   []string        `json:"patterns"`
	Failure    *failure.Record `json:"failure"`
}

// DefaultMetadata returns the metadata of a freshly created container.
func DefaultMetadata() Metadata {
	return Metadata{
		Compile: CompileParams{Filters: []string{}},
		Extract: ExtractParams{Patterns: []string{}},
	}
}

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	c := m
	c.Compile.Filters = append([]string{}, m.Compile.Filters...)
	c.Extract.Patterns = append([]string{}, m.Extract.Patterns...)
	c.Compile.Failure = cloneRecord(m.Compile.Failure)
	c.Extract.Failure = cloneRecord(m.Extract.Failure)
	return c
}

func cloneRecord(r *failure.Record) *failure.Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Trace = append([]string(nil), r.Trace...)
	return &c
}

// Validate checks that the metadata's parameters are in range.
func (m *Metadata) Validate() error {
	for _, v := range []int{m.Compile.Verbosity, m.Extract.Verbosity} {
		if v < 0 || v > MaxVerbosity {
			return errors.E(errors.Invalid, fmt.Sprintf("bag: verbosity %d not in [0, %d]", v, MaxVerbosity))
		}
	}
	for _, t := range []Timeout{m.Compile.Timeout, m.Extract.Timeout} {
		if t < 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("bag: negative timeout %v", time.Duration(t)))
		}
	}
	return nil
}

// A Timeout is a phase time limit. The zero Timeout means no limit and
// is encoded as JSON null; other values are encoded in seconds.
type Timeout time.Duration

// Duration returns the timeout as a duration; zero means no limit.
func (t Timeout) Duration() time.Duration { return time.Duration(t) }

func (t Timeout) String() string {
	if t == 0 {
		return "none"
	}
	return time.Duration(t).String()
}

// MarshalJSON implements json.Marshaler.
func (t Timeout) MarshalJSON() ([]byte, error) {
	if t == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(time.Duration(t).Seconds())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timeout) UnmarshalJSON(p []byte) error {
	if bytes.Equal(p, []byte("null")) {
		*t = 0
		return nil
	}
	var secs float64
	if err := json.Unmarshal(p, &secs); err != nil {
		return err
	}
	ns := math.Round(secs * float64(time.Second))
	if secs <= 0 || math.IsNaN(secs) || ns >= math.MaxInt64 {
		return fmt.Errorf("bag: invalid timeout %v", secs)
	}
	*t = Timeout(ns)
	return nil
}

// A Color is an RGB color.
type Color [3]uint8

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

// PaintColor is the extraction paint override. It is either unset
// (JSON null), explicitly disabled (false) or an explicit color.
type PaintColor struct {
	Set      bool
	Disabled bool
	Color    Color
}

// Paint returns an explicit paint override.
func Paint(c Color) PaintColor {
	return PaintColor{Set: true, Color: c}
}

// NoPaint is the explicitly disabled paint override.
var NoPaint = PaintColor{Set: true, Disabled: true}

func (p PaintColor) String() string {
	switch {
	case !p.Set:
		return "unset"
	case p.Disabled:
		return "disabled"
	default:
		return p.Color.String()
	}
}

// MarshalJSON implements json.Marshaler.
func (p PaintColor) MarshalJSON() ([]byte, error) {
	switch {
	case !p.Set:
		return []byte("null"), nil
	case p.Disabled:
		return []byte("false"), nil
	default:
		return json.Marshal(p.Color)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PaintColor) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "null":
		*p = PaintColor{}
		return nil
	case "false":
		*p = NoPaint
		return nil
	}
	var c Color
	if err := json.Unmarshal(b, &c); err != nil {
		return fmt.Errorf("bag: paint color must be null, false or [r, g, b]: %v", err)
	}
	*p = Paint(c)
	return nil
}
