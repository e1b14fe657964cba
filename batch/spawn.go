// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package batch

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tracebag/bag"
	"github.com/grailbio/tracebag/failure"
	"github.com/grailbio/tracebag/job"
)

// A Spawner runs a job to completion. Its error reports a failure to
// run the job, not a failure of the job itself, which is recorded in
// the job's container.
type Spawner interface {
	Spawn(ctx context.Context, j Job) error
}

// SpawnerFunc adapts a function to a Spawner.
type SpawnerFunc func(ctx context.Context, j Job) error

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(ctx context.Context, j Job) error {
	return f(ctx, j)
}

// Local runs jobs in the current process. Work that overruns its
// deadline keeps running in the background until it completes.
var Local Spawner = SpawnerFunc(func(ctx context.Context, j Job) error {
	_, err := runJob(ctx, j.Op, j.Path, j.Args)
	return err
})

// DefaultGrace is the default time given to a worker past its job's
// deadline.
const DefaultGrace = 10 * time.Second

// ProcessSpawner runs each job in a worker process. A worker that is
// still running Grace after its job's deadline is sent SIGTERM, and
// SIGKILL after another Grace; the job is then recorded as having
// exceeded its deadline.
type ProcessSpawner struct {
	// Path is the worker binary. The current executable is used if
	// Path is empty.
	Path string
	// Args precede the job's arguments on the worker's command line.
	Args []string
	// Env is appended to the worker's environment.
	Env []string
	// Grace defaults to DefaultGrace.
	Grace time.Duration
	// ScratchDir, if set, is where workers stage container rewrites.
	ScratchDir string
}

func (p *ProcessSpawner) grace() time.Duration {
	if p.Grace > 0 {
		return p.Grace
	}
	return DefaultGrace
}

func (p *ProcessSpawner) argv(j Job) []string {
	args := append([]string(nil), p.Args...)
	if p.ScratchDir != "" {
		args = append(args, "-scratch-dir", p.ScratchDir)
	}
	return append(args, j.Argv()...)
}

// Argv returns the worker arguments that run j.
func (j Job) Argv() []string {
	args := []string{"-id", j.ID.String(), j.Op.String()}
	args = append(args, j.Args...)
	return append(args, j.Path)
}

// Timeout returns the deadline of j's protected work, or zero if it
// has none.
func (j Job) Timeout() time.Duration {
	switch j.Op {
	case job.OpCompile:
		if opts, _, err := job.ParseCompileArgs(j.Args); err == nil {
			return opts.Timeout
		}
	case job.OpExtract:
		if opts, _, err := job.ParseExtractArgs(j.Args); err == nil {
			return opts.Timeout
		}
	}
	return 0
}

// Spawn implements Spawner.
func (p *ProcessSpawner) Spawn(ctx context.Context, j Job) error {
	path := p.Path
	if path == "" {
		var err error
		if path, err = os.Executable(); err != nil {
			return err
		}
	}
	cmd := exec.Command(path, p.argv(j)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), p.Env...)
	if err := cmd.Start(); err != nil {
		return errors.E(fmt.Sprintf("batch: start worker for %s", j), err)
	}
	log.Debug.Printf("%s: worker pid %d", j, cmd.Process.Pid)
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var (
		guard  <-chan time.Time
		done   = ctx.Done()
		killed bool
		stage  int
	)
	if timeout := j.Timeout(); timeout > 0 {
		timer := time.NewTimer(timeout + p.grace())
		defer timer.Stop()
		guard = timer.C
	}
	for {
		select {
		case err := <-exited:
			if killed {
				return expire(j, fmt.Sprintf("worker killed %s past its deadline of %s", p.grace(), j.Timeout()))
			}
			if err != nil {
				return errors.E(fmt.Sprintf("batch: worker for %s", j), err)
			}
			return nil
		case <-guard:
			killed = true
			if stage == 0 {
				log.Printf("%s: worker overran its deadline; terminating", j)
				if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
					log.Error.Printf("%s: %v", j, err)
				}
				stage++
				guard = time.After(p.grace())
			} else {
				log.Printf("%s: killing worker", j)
				if err := cmd.Process.Kill(); err != nil {
					log.Error.Printf("%s: %v", j, err)
				}
				guard = nil
			}
		case <-done:
			// Let the worker record the interruption.
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				log.Error.Printf("%s: %v", j, err)
			}
			done = nil
		}
	}
}

// expire records a deadline failure in j's container.
func expire(j Job, message string) error {
	mode := bag.ReadWrite
	if j.Op == job.OpCompile {
		mode = bag.Default
	}
	f, err := bag.Open(j.Path, mode)
	if err != nil {
		return err
	}
	rec := &failure.Record{Kind: failure.DeadlineExceeded, Message: message}
	err = f.Update(func(m *bag.Metadata) error {
		switch j.Op {
		case job.OpCompile:
			m.Compile.Failure = rec
		case job.OpExtract:
			m.Extract.Failure = rec
		}
		return nil
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func runJob(ctx context.Context, op job.Op, path string, args []string) (failure.Kind, error) {
	switch op {
	case job.OpCompile:
		opts, _, err := job.ParseCompileArgs(args)
		if err != nil {
			return failure.Classify(err), err
		}
		return job.Compile(ctx, path, opts)
	case job.OpExtract:
		opts, _, err := job.ParseExtractArgs(args)
		if err != nil {
			return failure.Classify(err), err
		}
		return job.Extract(ctx, path, opts)
	}
	return failure.Unknown, errors.E(errors.Invalid, fmt.Sprintf("batch: unknown operation %v", op))
}

// Worker runs the job described by args, as produced by Job.Argv, in
// the current process. It returns the job's outcome; its error is
// non-nil only if the outcome could not be recorded.
func Worker(ctx context.Context, args []string) (failure.Kind, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	id := fs.String("id", "", "job identifier")
	scratchDir := fs.String("scratch-dir", "", "directory for staging container rewrites")
	if err := fs.Parse(args); err != nil {
		return failure.Unknown, errors.E(errors.Invalid, "batch: parse worker arguments", err)
	}
	if *scratchDir != "" {
		bag.TempDir = *scratchDir
	}
	args = fs.Args()
	if len(args) < 2 {
		return failure.Unknown, errors.E(errors.Invalid, "batch: worker needs an operation and a container")
	}
	if _, err := uuid.Parse(*id); err != nil {
		return failure.Unknown, errors.E(errors.Invalid, "batch: worker job identifier", err)
	}
	op, err := job.ParseOp(args[0])
	if err != nil {
		return failure.Unknown, err
	}
	path := args[len(args)-1]
	log.Debug.Printf("worker %s: %s %s", *id, op, path)
	return runJob(ctx, op, path, args[1:len(args)-1])
}
