// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named performance counters. Container
// rewrites, record log reads and protected jobs update counters in a
// Map; a snapshot of the map is printed in perf reports.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Values is a snapshot of the values in a Map.
type Values map[string]int64

// Sub returns the values of v minus those of w.
func (v Values) Sub(w Values) Values {
	d := make(Values, len(v))
	for k, x := range v {
		if x -= w[k]; x != 0 {
			d[k] = x
		}
	}
	return d
}

// String returns the values sorted by key. Counters whose name ends in
// "-ns" are printed as durations.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		if strings.HasSuffix(key, "-ns") {
			keys[i] = fmt.Sprintf("%s:%s", strings.TrimSuffix(key, "-ns"), time.Duration(v[key]))
		} else {
			keys[i] = fmt.Sprintf("%s:%d", key, v[key])
		}
	}
	return strings.Join(keys, " ")
}

// Default is the process-wide map updated by tracebag's packages.
var Default = NewMap()

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if
// needed.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Since adds the time elapsed since start to the duration counter
// name, which is suffixed with "-ns".
func (m *Map) Since(name string, start time.Time) {
	m.Int(name + "-ns").Add(int64(time.Since(start)))
}

// Snapshot returns the current values of all counters.
func (m *Map) Snapshot() Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := make(Values, len(m.values))
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	return vals
}

// An Int is an integer counter that may be updated concurrently. A
// nil *Int ignores updates and reads as zero.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v != nil {
		atomic.AddInt64(&v.val, delta)
	}
}

// Get returns the current value of the counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
