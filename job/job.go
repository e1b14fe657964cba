// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package job implements the two protected container mutations:
// compiling a report into a graph, and extracting pattern matches
// from a graph. Each runs under a deadline, and its outcome is
// recorded in the container's metadata before the container is
// closed.
package job

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sort"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tracebag/bag"
	"github.com/grailbio/tracebag/deadline"
	"github.com/grailbio/tracebag/failure"
	"github.com/grailbio/tracebag/graph"
	"github.com/grailbio/tracebag/matcher"
	"github.com/grailbio/tracebag/report"
	"github.com/grailbio/tracebag/stats"
)

type verbose int

func (v verbose) Printf(level int, format string, args ...interface{}) {
	if int(v) >= level {
		log.Printf(format, args...)
	}
}

// Compile compiles the report of the container at path into its graph,
// creating the container if needed. The returned kind classifies the
// outcome, which is also recorded in the container. The returned
// error is non-nil only if the container could not be opened or the
// outcome could not be recorded.
func Compile(ctx context.Context, path string, opts CompileOptions) (failure.Kind, error) {
	f, err := bag.Open(path, bag.Default)
	if err != nil {
		return failure.Classify(err), err
	}
	err = f.Update(func(m *bag.Metadata) error {
		m.Compile = opts.Params(m.Compile)
		return nil
	})
	if err != nil {
		f.Close()
		return failure.Classify(err), err
	}
	v := verbose(opts.Verbosity)
	v.Printf(1, "compile %s: start", path)
	start, before := time.Now(), stats.Default.Snapshot()
	o := deadline.Run(ctx, opts.Timeout, func(ctx context.Context) (interface{}, error) {
		return nil, compile(ctx, f, opts, v)
	})
	if opts.Perf {
		log.Printf("compile %s: %s in %s: %s", path, o.State, time.Since(start), stats.Default.Snapshot().Sub(before))
	}
	return finish(f, OpCompile, o, opts.Suppress)
}

func compile(ctx context.Context, f *bag.File, opts CompileOptions, v verbose) error {
	if opts.Report != "" {
		if err := storeReport(ctx, f, opts.Report); err != nil {
			return err
		}
		v.Printf(2, "compile %s: stored report %s", f.Path(), opts.Report)
	}
	r, size, err := f.Report()
	if err != nil {
		return err
	}
	v.Printf(2, "compile %s: parsing %d bytes of report", f.Path(), size)
	parse := time.Now()
	g, format, err := report.Compile(ctx, r, opts.Format)
	stats.Default.Since("parse", parse)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	v.Printf(1, "compile %s: %s report: %d vertices, %d edges", f.Path(), format, len(g.Vertices), len(g.Edges))
	err = f.Update(func(m *bag.Metadata) error {
		m.Compile.ReportFormat = format
		return nil
	})
	if err != nil {
		return err
	}
	// Work that lost to the deadline must not store its graph.
	return deadline.Commit(ctx, func() error {
		if err := f.SetGraph(g); err != nil {
			return err
		}
		v.Printf(3, "compile %s: graph section is %d bytes", f.Path(), f.SectionSize(bag.Graph))
		return nil
	})
}

func storeReport(ctx context.Context, f *bag.File, path string) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return f.SetReport(in.Reader(ctx))
}

// Extract searches the graph of the container at path for patterns
// and stores the matches. If opts names pattern libraries, they
// replace the container's patterns first. Kind and error are as for
// Compile.
func Extract(ctx context.Context, path string, opts ExtractOptions) (failure.Kind, error) {
	f, err := bag.Open(path, bag.ReadWrite)
	if err != nil {
		return failure.Classify(err), err
	}
	err = f.Update(func(m *bag.Metadata) error {
		m.Extract.Verbosity = opts.Verbosity
		m.Extract.Timeout = bag.Timeout(opts.Timeout)
		m.Extract.Perf = opts.Perf
		m.Extract.Suppress = opts.Suppress
		m.Extract.Failure = nil
		if opts.Paint.Set {
			m.Extract.PaintColor = opts.Paint
		}
		return nil
	})
	if err != nil {
		f.Close()
		return failure.Classify(err), err
	}
	v := verbose(opts.Verbosity)
	v.Printf(1, "extract %s: start", path)
	start, before := time.Now(), stats.Default.Snapshot()
	o := deadline.Run(ctx, opts.Timeout, func(ctx context.Context) (interface{}, error) {
		return nil, extract(ctx, f, opts, v)
	})
	if opts.Perf {
		log.Printf("extract %s: %s in %s: %s", path, o.State, time.Since(start), stats.Default.Snapshot().Sub(before))
	}
	return finish(f, OpExtract, o, opts.Suppress)
}

func extract(ctx context.Context, f *bag.File, opts ExtractOptions, v verbose) error {
	g, err := f.Graph()
	if err != nil {
		return err
	}
	var patterns []*graph.Pattern
	if len(opts.Patterns) > 0 {
		if patterns, err = matcher.LoadPatterns(ctx, g, opts.Patterns...); err != nil {
			return err
		}
		if err = f.SetPatterns(patterns); err != nil {
			return err
		}
		// Storing patterns resets the paint color.
		if opts.Paint.Set {
			err = f.Update(func(m *bag.Metadata) error {
				m.Extract.PaintColor = opts.Paint
				return nil
			})
			if err != nil {
				return err
			}
		}
	} else if patterns, err = f.Patterns(); err != nil {
		return err
	}
	v.Printf(1, "extract %s: searching for %d patterns", f.Path(), len(patterns))
	search := time.Now()
	var found []*graph.Match
	for it := matcher.Find(g, patterns); ; {
		m, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		found = append(found, m)
	}
	stats.Default.Since("search", search)
	err = deadline.Commit(ctx, func() error {
		return f.SetMatches(ctx, graph.SliceMatches(found...))
	})
	if err != nil {
		return err
	}
	if v >= 2 {
		matches, err := f.Matches()
		if err != nil {
			return err
		}
		patterns, err := matches.Patterns()
		if err != nil {
			return err
		}
		for _, p := range patterns {
			n, err := matches.Of(p).Len()
			if err != nil {
				return err
			}
			v.Printf(2, "extract %s: %s: %d matches", f.Path(), p.Name, n)
		}
	}
	return nil
}

// finish records the outcome o of op in f and closes f.
func finish(f *bag.File, op Op, o deadline.Outcome, suppress bool) (failure.Kind, error) {
	rec := failure.Capture(o.Err, o.Stack)
	kind := failure.None
	if rec != nil {
		kind = rec.Kind
		if !suppress && !kind.Benign() {
			log.Error.Printf("%s %s: %v", op, f.Path(), o.Err)
			for _, line := range rec.Trace {
				log.Error.Printf("\t%s", line)
			}
		}
	}
	err := f.Update(func(m *bag.Metadata) error {
		switch op {
		case OpCompile:
			m.Compile.Failure = rec
		case OpExtract:
			m.Extract.Failure = rec
		}
		return nil
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return kind, err
}

// Done tells whether op, invoked with args, has already run to a
// conclusion on f with the same parameters, so that running it again
// would not change the container.
func Done(ctx context.Context, f *bag.File, op Op, args []string) (bool, error) {
	switch op {
	case OpCompile:
		opts, _, err := ParseCompileArgs(args)
		if err != nil {
			return false, err
		}
		return compiled(ctx, f, opts)
	case OpExtract:
		opts, _, err := ParseExtractArgs(args)
		if err != nil {
			return false, err
		}
		return extracted(ctx, f, opts)
	}
	return false, errors.E(errors.Invalid, fmt.Sprintf("job: unknown operation %v", op))
}

func compiled(ctx context.Context, f *bag.File, opts CompileOptions) (bool, error) {
	if !f.Baked() {
		return false, nil
	}
	have := f.Metadata().Compile
	want := opts.Params(have)
	want.Failure = have.Failure
	if !reflect.DeepEqual(have, want) {
		return false, nil
	}
	if opts.Format != "" && opts.Format != have.ReportFormat {
		return false, nil
	}
	if opts.Report == "" {
		return true, nil
	}
	in, err := file.Open(ctx, opts.Report)
	if err != nil {
		return false, err
	}
	digest, err := bag.Digest(in.Reader(ctx))
	if cerr := in.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return false, err
	}
	return digest == have.ReportDigest, nil
}

func extracted(ctx context.Context, f *bag.File, opts ExtractOptions) (bool, error) {
	if !f.Toasted() {
		return false, nil
	}
	have := f.Metadata().Extract
	if have.Verbosity != opts.Verbosity || have.Timeout != bag.Timeout(opts.Timeout) ||
		have.Perf != opts.Perf || have.Suppress != opts.Suppress {
		return false, nil
	}
	if opts.Paint.Set && have.PaintColor != opts.Paint {
		return false, nil
	}
	if len(opts.Patterns) == 0 {
		return true, nil
	}
	names, err := matcher.Names(ctx, opts.Patterns...)
	if err != nil {
		return false, err
	}
	sort.Strings(names)
	return reflect.DeepEqual(names, have.Patterns), nil
}
