// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/tracebag/bag"
	"github.com/grailbio/tracebag/job"
)

// ContainerExt is the extension of containers created for reports.
const ContainerExt = ".bag"

// Discover returns the jobs that run op, with args, over paths. For
// compile jobs, a path that is not a container is taken to be a report
// that is compiled into a new container next to it, which is removed
// if compilation leaves it empty. Extract jobs require containers.
func Discover(ctx context.Context, op job.Op, paths []string, args []string) ([]Job, error) {
	jobs := make([]Job, len(paths))
	err := traverse.Limit(4*runtime.NumCPU()).Each(len(paths), func(i int) error {
		path := paths[i]
		if _, err := file.Stat(ctx, path); err != nil {
			return err
		}
		ok, err := isContainer(ctx, path)
		if err != nil {
			return err
		}
		switch {
		case ok:
			jobs[i] = NewJob(op, path, args...)
		case op == job.OpCompile:
			dst := strings.TrimSuffix(path, filepath.Ext(path)) + ContainerExt
			_, err := file.Stat(ctx, dst)
			jobs[i] = NewJob(op, dst, append([]string{"-report", path}, args...)...)
			jobs[i].DeleteOnFailure = err != nil
		default:
			return errors.E(errors.Invalid, fmt.Sprintf("batch: %s is not a container", path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func isContainer(ctx context.Context, path string) (ok bool, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return false, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return bag.IsContainer(f.Reader(ctx)), nil
}
