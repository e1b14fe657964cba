// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package job

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/tracebag/bag"
	"github.com/grailbio/tracebag/failure"
	"github.com/grailbio/tracebag/graph"
	"github.com/grailbio/tracebag/report"
)

type stallParser struct{}

func (stallParser) Name() string { return "stall" }

func (stallParser) Detect(head []byte) bool { return false }

func (stallParser) Parse(ctx context.Context, r io.Reader) (*graph.Graph, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// slowParser ignores cancellation and finishes after its deadline.
type slowParser struct{}

func (slowParser) Name() string { return "slow" }

func (slowParser) Detect(head []byte) bool { return false }

func (slowParser) Parse(ctx context.Context, r io.Reader) (*graph.Graph, error) {
	time.Sleep(100 * time.Millisecond)
	g := graph.New()
	_, err := g.AddVertex("p1", "process", nil)
	return g, err
}

func init() {
	report.Register(stallParser{})
	report.Register(slowParser{})
}

const testReport = `vertex p1 process
vertex p2 process
vertex f1 file
edge p1 p2 spawns
edge p2 f1 writes
`

const testLibrary = `
patterns:
- name: writer
  vertices:
  - {name: proc, label: process}
  - {name: file, label: file}
  edges:
  - {from: proc, to: file, label: writes}
- name: spawner
  vertices:
  - {name: parent}
  - {name: child}
  edges:
  - {from: parent, to: child, label: spawns}
`

func setup(t *testing.T) (dir string, cleanup func()) {
	t.Helper()
	dir, cleanup = testutil.TempDir(t, "", "")
	assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, "report.txt"), []byte(testReport), 0644))
	assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, "library.yaml"), []byte(testLibrary), 0644))
	return
}

func inspect(t *testing.T, path string, fn func(f *bag.File)) {
	t.Helper()
	f, err := bag.Open(path, bag.ReadOnly)
	assert.NoError(t, err)
	fn(f)
	assert.NoError(t, f.Close())
}

func done(t *testing.T, path string, op Op, args []string) bool {
	t.Helper()
	var ok bool
	inspect(t, path, func(f *bag.File) {
		var err error
		ok, err = Done(context.Background(), f, op, args)
		assert.NoError(t, err)
	})
	return ok
}

func TestCompileExtract(t *testing.T) {
	dir, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "sample.bag")
	copts := CompileOptions{
		Report:  filepath.Join(dir, "report.txt"),
		Filters: []string{"spawns"},
		Timeout: time.Minute,
	}
	kind, err := Compile(ctx, path, copts)
	assert.NoError(t, err)
	if got, want := kind, failure.None; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	inspect(t, path, func(f *bag.File) {
		if !f.Baked() {
			t.Error("container not baked")
		}
		g, err := f.Graph()
		assert.NoError(t, err)
		if got, want := len(g.Vertices), 3; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		m := f.Metadata().Compile
		if got, want := m.ReportFormat, "edgelist"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		assert.EQ(t, m.Filters, []string{"spawns"})
		if m.Failure != nil {
			t.Errorf("unexpected failure %v", m.Failure)
		}
	})
	if !done(t, path, OpCompile, copts.Args()) {
		t.Error("compilation not done")
	}
	copts.SkipData = true
	if done(t, path, OpCompile, copts.Args()) {
		t.Error("compilation done with different parameters")
	}

	eopts := ExtractOptions{
		Patterns: []string{filepath.Join(dir, "library.yaml")},
		Paint:    bag.Paint(bag.Color{255, 0, 0}),
	}
	kind, err = Extract(ctx, path, eopts)
	assert.NoError(t, err)
	if got, want := kind, failure.None; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	inspect(t, path, func(f *bag.File) {
		if !f.Toasted() {
			t.Error("container not toasted")
		}
		m := f.Metadata().Extract
		assert.EQ(t, m.Patterns, []string{"spawner", "writer"})
		if got, want := m.PaintColor, eopts.Paint; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		matches, err := f.Matches()
		assert.NoError(t, err)
		length, err := matches.Len()
		assert.NoError(t, err)
		if got, want := length, 2; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	})
	if !done(t, path, OpExtract, eopts.Args()) {
		t.Error("extraction not done")
	}
	// Extraction from stored patterns.
	kind, err = Extract(ctx, path, ExtractOptions{})
	assert.NoError(t, err)
	if got, want := kind, failure.None; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDoneAfterReload(t *testing.T) {
	dir, cleanup := setup(t)
	defer cleanup()
	path := filepath.Join(dir, "sample.bag")
	opts := CompileOptions{
		Report:  filepath.Join(dir, "report.txt"),
		Timeout: 1001 * time.Millisecond,
	}
	kind, err := Compile(context.Background(), path, opts)
	assert.NoError(t, err)
	if got, want := kind, failure.None; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// A new mtime makes the next open decode the stored metadata.
	later := time.Now().Add(time.Hour)
	assert.NoError(t, os.Chtimes(path, later, later))
	if !done(t, path, OpCompile, opts.Args()) {
		t.Error("compilation not done")
	}
}

func TestCompileTimeout(t *testing.T) {
	dir, cleanup := setup(t)
	defer cleanup()
	path := filepath.Join(dir, "sample.bag")
	opts := CompileOptions{
		Report:   filepath.Join(dir, "report.txt"),
		Format:   "stall",
		Timeout:  50 * time.Millisecond,
		Suppress: true,
	}
	kind, err := Compile(context.Background(), path, opts)
	assert.NoError(t, err)
	if got, want := kind, failure.DeadlineExceeded; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	inspect(t, path, func(f *bag.File) {
		if f.Baked() {
			t.Error("timed out container baked")
		}
		rec := f.Metadata().Compile.Failure
		if rec == nil || rec.Kind != failure.DeadlineExceeded {
			t.Errorf("got %v, want a deadline failure", rec)
		}
	})
	if done(t, path, OpCompile, opts.Args()) {
		t.Error("timed out compilation reported done")
	}
}

func TestCompileOverrun(t *testing.T) {
	dir, cleanup := setup(t)
	defer cleanup()
	path := filepath.Join(dir, "sample.bag")
	f, err := bag.Open(path, bag.CreateTruncate)
	assert.NoError(t, err)
	// Keep the container open past the job so that late work could
	// still write to it.
	defer f.Close()
	kind, err := Compile(context.Background(), path, CompileOptions{
		Report:   filepath.Join(dir, "report.txt"),
		Format:   "slow",
		Timeout:  20 * time.Millisecond,
		Suppress: true,
	})
	assert.NoError(t, err)
	if got, want := kind, failure.DeadlineExceeded; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	time.Sleep(300 * time.Millisecond)
	if f.HasGraph() {
		t.Error("graph stored by work that missed its deadline")
	}
	if rec := f.Metadata().Compile.Failure; rec == nil || rec.Kind != failure.DeadlineExceeded {
		t.Errorf("got %v, want a deadline failure", rec)
	}
}

func TestCompileInterrupted(t *testing.T) {
	dir, cleanup := setup(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	kind, err := Compile(ctx, filepath.Join(dir, "sample.bag"), CompileOptions{
		Report: filepath.Join(dir, "report.txt"),
		Format: "stall",
	})
	assert.NoError(t, err)
	if got, want := kind, failure.Interrupted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMissingData(t *testing.T) {
	dir, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()
	bad := filepath.Join(dir, "dangling.txt")
	assert.NoError(t, ioutil.WriteFile(bad, []byte("vertex p1 process\nedge p1 p2 spawns\n"), 0644))
	path := filepath.Join(dir, "sample.bag")
	kind, err := Compile(ctx, path, CompileOptions{Report: bad, Suppress: true})
	assert.NoError(t, err)
	if got, want := kind, failure.MissingData; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	inspect(t, path, func(f *bag.File) {
		if !f.Baked() {
			t.Error("missing data must count as a completed compilation")
		}
		if f.HasGraph() {
			t.Error("unexpected graph")
		}
	})
	// Without a graph there is nothing to extract from.
	kind, err = Extract(ctx, path, ExtractOptions{Suppress: true})
	assert.NoError(t, err)
	if got, want := kind, failure.MissingData; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestArgs(t *testing.T) {
	copts := CompileOptions{
		Report:     "r.txt",
		Format:     "jsonl",
		Timeout:    90 * time.Second,
		Verbosity:  2,
		Perf:       true,
		Suppress:   true,
		SkipData:   true,
		SkipDiff:   true,
		Filters:    []string{"a", "b"},
		Background: bag.Color{1, 2, 3},
	}
	got, rest, err := ParseCompileArgs(append(copts.Args(), "x.bag"))
	assert.NoError(t, err)
	if !reflect.DeepEqual(got, copts) {
		t.Errorf("got %+v, want %+v", got, copts)
	}
	assert.EQ(t, rest, []string{"x.bag"})

	for _, paint := range []bag.PaintColor{{}, bag.NoPaint, bag.Paint(bag.Color{0xab, 0xcd, 0xef})} {
		eopts := ExtractOptions{Patterns: []string{"p.yaml"}, Timeout: time.Second, Paint: paint}
		got, _, err := ParseExtractArgs(eopts.Args())
		assert.NoError(t, err)
		if !reflect.DeepEqual(got, eopts) {
			t.Errorf("got %+v, want %+v", got, eopts)
		}
	}
	if _, _, err := ParseCompileArgs([]string{"-background", "#zz0000"}); err == nil {
		t.Error("expected error")
	}
	if _, err := ParseOp("bake"); err == nil {
		t.Error("expected error")
	}
}
