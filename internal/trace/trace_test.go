// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trace

import (
	"bytes"
	"testing"
	"time"

	"github.com/grailbio/testutil/assert"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	start := time.Now()
	time.Sleep(time.Millisecond)
	r.Span(1, "compile a.bag", "compile", start, map[string]interface{}{"outcome": "succeeded"})
	var b bytes.Buffer
	assert.NoError(t, r.Encode(&b))
	var got T
	assert.NoError(t, got.Decode(&b))
	if got, want := len(got.Events), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	e := got.Events[0]
	if got, want := e.Ph, "X"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if e.Dur < 1000 {
		t.Errorf("got duration %dus, want at least 1ms", e.Dur)
	}
	if got, want := e.Args["outcome"], "succeeded"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
