// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/tracebag/bag"
)

func TestInfo(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f, err := bag.Open(filepath.Join(dir, "c.bag"), bag.CreateTruncate)
	assert.NoError(t, err)
	assert.NoError(t, f.SetReport(strings.NewReader("vertex p1 process\n")))
	ci := describe(f)
	assert.NoError(t, f.Close())
	if _, ok := ci.Sections["report"]; !ok || len(ci.Sections) != 1 {
		t.Errorf("got sections %v, want only the report", ci.Sections)
	}
	for _, format := range []string{"json", "yaml"} {
		var b bytes.Buffer
		assert.NoError(t, writeInfo(&b, ci, format))
		for _, key := range []string{"report_digest", "skip_data_comparison", "sections"} {
			if !strings.Contains(b.String(), key) {
				t.Errorf("%s: %q missing from\n%s", format, key, b.String())
			}
		}
	}
}
