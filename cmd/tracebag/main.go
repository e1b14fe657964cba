// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command tracebag manages tracebag containers: it compiles execution
// reports into graphs, extracts pattern matches from them, and runs
// either operation in batch over many files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/tracebag/bag"
	"github.com/grailbio/tracebag/batch"
	"github.com/grailbio/tracebag/failure"
	"github.com/grailbio/tracebag/internal/trace"
	"github.com/grailbio/tracebag/job"
)

// configPath is the default location of the tracebag profile.
var configPath = os.ExpandEnv("$HOME/.tracebag/config")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: tracebag [flags] command args...

Command tracebag manages tracebag containers. A container holds an
execution report, the graph compiled from it, a set of patterns, and
the matches of those patterns in the graph.

Available commands are:

	compile [-report path] [flags] container
		Compile the container's report into a graph, first storing
		the report at path if given. The container is created if
		needed.
	extract [flags] container [library.yaml...]
		Search the container's graph for the patterns in the given
		libraries, or for its stored patterns.
	batch [-status] [-trace path] compile|extract [flags] paths...
		Run compile or extract over many containers, each in its own
		worker process. Compiling a report that is not a container
		creates a container next to it.
	info [-format json|yaml] container
		Print the container's metadata and section sizes.
	clean container
		Remove the report and the patterns, and everything derived
		from them.
	delete container section
		Remove a section and the sections that depend on it.

Run "tracebag command -help" for a command's flags.

`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	log.AddFlags()
	config.RegisterFlags("", configPath)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	if flag.NArg() == 0 {
		flag.Usage()
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var code int
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "compile":
		code = compile(ctx, args)
	case "extract":
		code = extract(ctx, args)
	case "batch":
		code = runBatch(ctx, args)
	case "info":
		code = info(args)
	case "clean":
		code = clean(args)
	case "delete":
		code = deleteSection(args)
	case "worker":
		kind, err := batch.Worker(ctx, args)
		must.Nil(err, "worker")
		log.Debug.Printf("worker: %s", kind)
	}
	cancel()
	os.Exit(code)
}

func usage(cmd, msg string) {
	fmt.Fprintf(os.Stderr, "tracebag %s: %s\n", cmd, msg)
	os.Exit(2)
}

func compile(ctx context.Context, args []string) int {
	opts, rest, err := job.ParseCompileArgs(args)
	if err != nil {
		usage("compile", err.Error())
	}
	if len(rest) != 1 {
		usage("compile", "expected a single container")
	}
	kind, err := job.Compile(ctx, rest[0], opts)
	must.Nil(err, "compile")
	return failure.ExitCode(kind)
}

func extract(ctx context.Context, args []string) int {
	opts, rest, err := job.ParseExtractArgs(args)
	if err != nil {
		usage("extract", err.Error())
	}
	if len(rest) == 0 {
		usage("extract", "expected a container")
	}
	opts.Patterns = append(opts.Patterns, rest[1:]...)
	kind, err := job.Extract(ctx, rest[0], opts)
	must.Nil(err, "extract")
	return failure.ExitCode(kind)
}

func runBatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	showStatus := fs.Bool("status", false, "display job status on the console")
	tracePath := fs.String("trace", "", "write a trace of the batch's jobs in Chrome tracing format to this path")
	must.Nil(fs.Parse(args))
	if fs.NArg() == 0 {
		usage("batch", "expected an operation")
	}
	op, err := job.ParseOp(fs.Arg(0))
	if err != nil {
		usage("batch", err.Error())
	}
	var (
		opArgs []string
		paths  []string
	)
	switch op {
	case job.OpCompile:
		opts, rest, err := job.ParseCompileArgs(fs.Args()[1:])
		if err != nil {
			usage("batch", err.Error())
		}
		if opts.Report != "" {
			usage("batch", "-report is not supported in batch mode")
		}
		opArgs, paths = opts.Args(), rest
	case job.OpExtract:
		opts, rest, err := job.ParseExtractArgs(fs.Args()[1:])
		if err != nil {
			usage("batch", err.Error())
		}
		opArgs, paths = opts.Args(), rest
	}
	jobs, err := batch.Discover(ctx, op, paths, opArgs)
	must.Nil(err, "batch")

	var driver *batch.Driver
	config.Must("tracebag", &driver)
	if *showStatus {
		var st status.Status
		driver.Status = st.Group("tracebag " + op.String())
		var console status.Reporter
		go console.Go(os.Stderr, &st)
	}
	if *tracePath != "" {
		driver.Trace = trace.NewRecorder()
	}
	tally, err := driver.Run(ctx, jobs)
	log.Printf("batch %s: %s", op, tally)
	if *tracePath != "" {
		must.Nil(writeTrace(context.Background(), *tracePath, driver.Trace), "trace")
	}
	if err != nil {
		log.Error.Printf("batch %s: %v", op, err)
		return failure.ExitInterrupted
	}
	return tally.ExitCode()
}

func writeTrace(ctx context.Context, path string, rec *trace.Recorder) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if err = rec.Encode(f.Writer(ctx)); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func open(cmd string, args []string, n int, mode bag.Mode) *bag.File {
	if len(args) != n {
		usage(cmd, fmt.Sprintf("expected %d arguments", n))
	}
	f, err := bag.Open(args[0], mode)
	must.Nil(err, cmd)
	return f
}

func clean(args []string) int {
	f := open("clean", args, 1, bag.ReadWrite)
	err := f.Clean()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	must.Nil(err, "clean")
	return 0
}

func deleteSection(args []string) int {
	f := open("delete", args, 2, bag.ReadWrite)
	s, err := bag.ParseSection(args[1])
	if err == nil {
		err = f.Delete(s)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	must.Nil(err, "delete")
	return 0
}
