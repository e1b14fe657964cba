// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package batch

import (
	"runtime"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/tracebag/bag"
)

func init() {
	config.Register("tracebag", func(constr *config.Constructor) {
		d := new(Driver)
		constr.IntVar(&d.Pool, "pool", runtime.NumCPU(), "number of jobs run concurrently")
		constr.BoolVar(&d.Idempotent, "idempotent", false, "skip jobs that already ran with the same parameters")
		var (
			spawnLimit int
			grace      float64
			scratchDir string
		)
		constr.IntVar(&spawnLimit, "spawn-limit", 0, "maximum number of running workers (0 for the pool size)")
		constr.FloatVar(&grace, "grace", DefaultGrace.Seconds(), "seconds a worker may overrun its deadline before it is terminated")
		constr.StringVar(&scratchDir, "scratch-dir", "", "directory for staging container rewrites")
		constr.Doc = "tracebag configures the batch driver"
		constr.New = func() (interface{}, error) {
			if spawnLimit > 0 {
				d.Limiter = limiter.New()
				d.Limiter.Release(spawnLimit)
			}
			if scratchDir != "" {
				bag.TempDir = scratchDir
			}
			d.Spawner = &ProcessSpawner{
				Args:       []string{"worker"},
				Grace:      time.Duration(grace * float64(time.Second)),
				ScratchDir: scratchDir,
			}
			return d, nil
		}
	})
}
