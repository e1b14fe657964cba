// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"testing"
	"time"
)

func TestStats(t *testing.T) {
	m := NewMap()
	rewrites := m.Int("rewrites")
	_ = m.Int("matches")
	before := m.Snapshot()
	rewrites.Add(2)
	rewrites.Add(3)
	if got, want := rewrites.Get(), int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	after := m.Snapshot()
	if got, want := len(after), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	d := after.Sub(before)
	if got, want := d.String(), "rewrites:5"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var nilInt *Int
	nilInt.Add(1)
	if got, want := nilInt.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDuration(t *testing.T) {
	m := NewMap()
	m.Since("parse", time.Now().Add(-time.Second))
	vals := m.Snapshot()
	if vals["parse-ns"] < int64(time.Second) {
		t.Errorf("got %v, want at least 1s", time.Duration(vals["parse-ns"]))
	}
	if got, want := (Values{"parse-ns": int64(1500 * time.Millisecond)}).String(), "parse:1.5s"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
