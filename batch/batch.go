// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package batch runs compile and extract jobs over many containers
// with bounded parallelism. Each job runs in its own worker process so
// that a job exceeding its deadline can be killed outright; the driver
// classifies each job by inspecting the container after the worker
// exits.
package batch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/tracebag/bag"
	"github.com/grailbio/tracebag/failure"
	"github.com/grailbio/tracebag/internal/trace"
	"github.com/grailbio/tracebag/job"
	"golang.org/x/sync/errgroup"
)

// A Job is a single container mutation.
type Job struct {
	ID uuid.UUID
	Op job.Op
	// Path is the container's path.
	Path string
	// Args are the operation's flags, as parsed by
	// job.ParseCompileArgs or job.ParseExtractArgs.
	Args []string
	// DeleteOnFailure removes the container if the job leaves it with
	// neither output nor a recorded failure.
	DeleteOnFailure bool
}

// NewJob returns a job with a fresh ID.
func NewJob(op job.Op, path string, args ...string) Job {
	return Job{ID: uuid.New(), Op: op, Path: path, Args: args}
}

func (j Job) String() string {
	return fmt.Sprintf("%s %s [%s]", j.Op, j.Path, j.ID)
}

// Tally counts the outcomes of a batch. Skipped jobs are also counted
// as succeeded; MissingData and Unknown subdivide Failed.
type Tally struct {
	Total, Succeeded, TimedOut, Failed int
	MissingData, Unknown               int
	Skipped                            int
}

// Batch exit status flags.
const (
	ExitFailed   = 1 << 0
	ExitTimedOut = 1 << 1
)

// ExitCode returns the process exit status summarizing the tally.
func (t Tally) ExitCode() int {
	var code int
	if t.Failed > 0 {
		code |= ExitFailed
	}
	if t.TimedOut > 0 {
		code |= ExitTimedOut
	}
	return code
}

func (t Tally) String() string {
	return fmt.Sprintf("%d/%d succeeded (%d skipped), %d timed out, %d failed (%d missing data, %d unknown)",
		t.Succeeded, t.Total, t.Skipped, t.TimedOut, t.Failed, t.MissingData, t.Unknown)
}

func (t *Tally) add(kind failure.Kind, skipped bool) {
	switch kind {
	case failure.None:
		t.Succeeded++
		if skipped {
			t.Skipped++
		}
	case failure.DeadlineExceeded:
		t.TimedOut++
	default:
		t.Failed++
		if kind == failure.MissingData {
			t.MissingData++
		} else {
			t.Unknown++
		}
	}
}

// A Driver runs jobs on a fixed pool of workers.
type Driver struct {
	// Pool is the number of jobs run concurrently.
	Pool int
	// Idempotent skips jobs whose container already holds the outcome
	// of the same operation with the same parameters.
	Idempotent bool
	// Spawner runs each job.
	Spawner Spawner
	// Status, if not nil, displays the progress of each job.
	Status *status.Group
	// Limiter, if not nil, bounds the number of concurrently running
	// workers independently of Pool.
	Limiter *limiter.Limiter
	// Trace, if not nil, records a span for each job.
	Trace *trace.Recorder
}

// Run runs jobs and returns the tally of their outcomes. A failed job
// does not stop the batch; an interrupted one does, in which case Run
// returns an errors.Canceled error along with the partial tally.
func (d *Driver) Run(ctx context.Context, jobs []Job) (Tally, error) {
	var (
		mu    sync.Mutex
		queue = append([]Job(nil), jobs...)
		tally = Tally{Total: len(jobs)}
	)
	pop := func() (Job, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			return Job{}, false
		}
		j := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		return j, true
	}
	pool := d.Pool
	if pool <= 0 {
		pool = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < pool; i++ {
		worker := i
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return errors.E(errors.Canceled, "batch: interrupted", err)
				}
				j, ok := pop()
				if !ok {
					return nil
				}
				start := time.Now()
				kind, skipped := d.run(ctx, j)
				if d.Trace != nil {
					d.Trace.Span(worker, j.Path, j.Op.String(), start, map[string]interface{}{
						"id":      j.ID.String(),
						"outcome": outcome(kind),
						"skipped": skipped,
					})
				}
				if kind == failure.Interrupted {
					return errors.E(errors.Canceled, fmt.Sprintf("batch: %s interrupted", j))
				}
				mu.Lock()
				tally.add(kind, skipped)
				mu.Unlock()
			}
		})
	}
	err := g.Wait()
	return tally, err
}

// run runs a single job, returning its classification and whether it
// was skipped.
func (d *Driver) run(ctx context.Context, j Job) (failure.Kind, bool) {
	var task *status.Task
	if d.Status != nil {
		task = d.Status.Start()
		task.Title(fmt.Sprintf("%s %s", j.Op, j.Path))
		defer task.Done()
	}
	printf := func(format string, args ...interface{}) {
		if task != nil {
			task.Printf(format, args...)
		}
	}
	if d.Idempotent && d.done(ctx, j) {
		printf("skipped")
		log.Debug.Printf("%s: already done", j)
		return failure.None, true
	}
	if d.Limiter != nil {
		printf("waiting")
		if err := d.Limiter.Acquire(ctx, 1); err != nil {
			return failure.Interrupted, false
		}
		defer d.Limiter.Release(1)
	}
	printf("running")
	spawnErr := d.Spawner.Spawn(ctx, j)
	if spawnErr != nil {
		log.Error.Printf("%s: %v", j, spawnErr)
	}
	kind, recorded, output := classify(j)
	if !recorded && !output && spawnErr != nil {
		kind = failure.Classify(spawnErr)
		if kind == failure.None {
			kind = failure.Unknown
		}
	}
	if ctx.Err() != nil {
		kind = failure.Interrupted
	}
	if j.DeleteOnFailure && kind != failure.None && !output && !recorded {
		log.Printf("%s: removing container left without output", j)
		if err := os.Remove(j.Path); err != nil && !os.IsNotExist(err) {
			log.Error.Printf("%s: %v", j, err)
		}
	}
	printf("%s", outcome(kind))
	return kind, false
}

func outcome(kind failure.Kind) string {
	if kind == failure.None {
		return "succeeded"
	}
	return kind.String()
}

func (d *Driver) done(ctx context.Context, j Job) bool {
	f, err := bag.Open(j.Path, bag.ReadOnly)
	if err != nil {
		return false
	}
	defer f.Close()
	ok, err := job.Done(ctx, f, j.Op, j.Args)
	if err != nil {
		log.Error.Printf("%s: %v", j, err)
	}
	return ok
}

// classify reopens the job's container read-only and returns the kind
// of the recorded failure, whether a failure was recorded at all, and
// whether the container holds the operation's output.
func classify(j Job) (kind failure.Kind, recorded, output bool) {
	f, err := bag.Open(j.Path, bag.ReadOnly)
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return failure.Unknown, false, false
		}
		log.Error.Printf("%s: %v", j, err)
		return failure.Classify(err), true, false
	}
	defer f.Close()
	m := f.Metadata()
	var rec *failure.Record
	switch j.Op {
	case job.OpCompile:
		rec, output = m.Compile.Failure, f.HasGraph()
	case job.OpExtract:
		rec, output = m.Extract.Failure, f.HasMatches()
	}
	if rec == nil {
		return failure.None, false, output
	}
	return rec.Kind, true, output
}
