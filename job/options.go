// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package job

import (
	"flag"
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracebag/bag"
)

// Op is a container operation.
type Op int

const (
	// OpCompile compiles a container's report into a graph.
	OpCompile Op = iota
	// OpExtract searches a container's graph for patterns.
	OpExtract
)

func (op Op) String() string {
	switch op {
	case OpCompile:
		return "compile"
	case OpExtract:
		return "extract"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// ParseOp returns the named operation.
func ParseOp(name string) (Op, error) {
	switch name {
	case "compile":
		return OpCompile, nil
	case "extract":
		return OpExtract, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("job: unknown operation %q", name))
}

// listValue is a comma-separated list flag.
type listValue struct{ list *[]string }

func (v listValue) String() string {
	if v.list == nil {
		return ""
	}
	return strings.Join(*v.list, ",")
}

func (v listValue) Set(s string) error {
	*v.list = nil
	for _, elem := range strings.Split(s, ",") {
		if elem = strings.TrimSpace(elem); elem != "" {
			*v.list = append(*v.list, elem)
		}
	}
	return nil
}

// ParseColor parses a color given as #rrggbb or r,g,b.
func ParseColor(s string) (bag.Color, error) {
	var c bag.Color
	if strings.HasPrefix(s, "#") && len(s) == 7 {
		for i := range c {
			v, err := strconv.ParseUint(s[1+2*i:3+2*i], 16, 8)
			if err != nil {
				return c, fmt.Errorf("invalid color %q", s)
			}
			c[i] = uint8(v)
		}
		return c, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return c, fmt.Errorf("invalid color %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return c, fmt.Errorf("invalid color %q", s)
		}
		c[i] = uint8(v)
	}
	return c, nil
}

type colorValue struct{ c *bag.Color }

func (v colorValue) String() string {
	if v.c == nil {
		return ""
	}
	return v.c.String()
}

func (v colorValue) Set(s string) (err error) {
	*v.c, err = ParseColor(s)
	return
}

// paintValue accepts "none" to disable painting, or a color.
type paintValue struct{ p *bag.PaintColor }

func (v paintValue) String() string {
	if v.p == nil || !v.p.Set {
		return ""
	}
	if v.p.Disabled {
		return "none"
	}
	return v.p.Color.String()
}

func (v paintValue) Set(s string) error {
	if s == "none" {
		*v.p = bag.NoPaint
		return nil
	}
	c, err := ParseColor(s)
	if err != nil {
		return err
	}
	*v.p = bag.Paint(c)
	return nil
}

// CompileOptions are the parameters of a compilation.
type CompileOptions struct {
	// Report is the path of the report to store in the container
	// before compiling it. If empty, the stored report is compiled.
	Report string
	// Format is the report format; empty selects detection.
	Format     string
	Timeout    time.Duration
	Verbosity  int
	Perf       bool
	Suppress   bool
	SkipData   bool
	SkipDiff   bool
	Filters    []string
	Background bag.Color
}

// RegisterFlags registers the options as flags in fs.
func (o *CompileOptions) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Report, "report", o.Report, "path of the report to compile")
	fs.StringVar(&o.Format, "format", o.Format, "report format (detected if empty)")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "compilation time limit (0 for none)")
	fs.IntVar(&o.Verbosity, "v", o.Verbosity, "verbosity level, 0 to 3")
	fs.BoolVar(&o.Perf, "perf", o.Perf, "print a performance report")
	fs.BoolVar(&o.Suppress, "suppress", o.Suppress, "do not print captured failures")
	fs.BoolVar(&o.SkipData, "skip-data-comparison", o.SkipData, "skip comparison of data vertices")
	fs.BoolVar(&o.SkipDiff, "skip-diff-comparison", o.SkipDiff, "skip comparison of diff vertices")
	fs.Var(listValue{&o.Filters}, "filters", "comma-separated visualization filters")
	fs.Var(colorValue{&o.Background}, "background", "background color, #rrggbb or r,g,b")
}

// Args renders the options as command line flags.
func (o CompileOptions) Args() []string {
	var args []string
	if o.Report != "" {
		args = append(args, "-report", o.Report)
	}
	if o.Format != "" {
		args = append(args, "-format", o.Format)
	}
	args = append(args, commonArgs(o.Timeout, o.Verbosity, o.Perf, o.Suppress)...)
	if o.SkipData {
		args = append(args, "-skip-data-comparison")
	}
	if o.SkipDiff {
		args = append(args, "-skip-diff-comparison")
	}
	if len(o.Filters) > 0 {
		args = append(args, "-filters", strings.Join(o.Filters, ","))
	}
	if o.Background != (bag.Color{}) {
		args = append(args, "-background", o.Background.String())
	}
	return args
}

// Params returns the options as recorded in a container. The report
// format and digest are carried over from prev.
func (o CompileOptions) Params(prev bag.CompileParams) bag.CompileParams {
	filters := append([]string{}, o.Filters...)
	return bag.CompileParams{
		Verbosity:          o.Verbosity,
		Timeout:            bag.Timeout(o.Timeout),
		Perf:               o.Perf,
		Suppress:           o.Suppress,
		SkipDataComparison: o.SkipData,
		SkipDiffComparison: o.SkipDiff,
		Filters:            filters,
		BackgroundColor:    o.Background,
		ReportFormat:       prev.ReportFormat,
		ReportDigest:       prev.ReportDigest,
	}
}

// ExtractOptions are the parameters of an extraction.
type ExtractOptions struct {
	// Patterns are the paths of the pattern libraries to search for.
	// If empty, the container's patterns are used.
	Patterns  []string
	Timeout   time.Duration
	Verbosity int
	Perf      bool
	Suppress  bool
	Paint     bag.PaintColor
}

// RegisterFlags registers the options as flags in fs.
func (o *ExtractOptions) RegisterFlags(fs *flag.FlagSet) {
	fs.Var(listValue{&o.Patterns}, "patterns", "comma-separated pattern library paths")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "extraction time limit (0 for none)")
	fs.IntVar(&o.Verbosity, "v", o.Verbosity, "verbosity level, 0 to 3")
	fs.BoolVar(&o.Perf, "perf", o.Perf, "print a performance report")
	fs.BoolVar(&o.Suppress, "suppress", o.Suppress, "do not print captured failures")
	fs.Var(paintValue{&o.Paint}, "paint", `paint color override, "none" or a color`)
}

// Args renders the options as command line flags.
func (o ExtractOptions) Args() []string {
	var args []string
	if len(o.Patterns) > 0 {
		args = append(args, "-patterns", strings.Join(o.Patterns, ","))
	}
	args = append(args, commonArgs(o.Timeout, o.Verbosity, o.Perf, o.Suppress)...)
	if o.Paint.Set {
		args = append(args, "-paint", paintValue{&o.Paint}.String())
	}
	return args
}

func commonArgs(timeout time.Duration, verbosity int, perf, suppress bool) []string {
	var args []string
	if timeout > 0 {
		args = append(args, "-timeout", timeout.String())
	}
	if verbosity != 0 {
		args = append(args, "-v", strconv.Itoa(verbosity))
	}
	if perf {
		args = append(args, "-perf")
	}
	if suppress {
		args = append(args, "-suppress")
	}
	return args
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	return fs
}

// ParseCompileArgs parses compile flags, returning the options and
// the remaining arguments.
func ParseCompileArgs(args []string) (CompileOptions, []string, error) {
	var o CompileOptions
	fs := newFlagSet("compile")
	o.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return o, nil, errors.E(errors.Invalid, "job: parse compile arguments", err)
	}
	return o, fs.Args(), nil
}

// ParseExtractArgs parses extract flags, returning the options and
// the remaining arguments.
func ParseExtractArgs(args []string) (ExtractOptions, []string, error) {
	var o ExtractOptions
	fs := newFlagSet("extract")
	o.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return o, nil, errors.E(errors.Invalid, "job: parse extract arguments", err)
	}
	return o, fs.Args(), nil
}
