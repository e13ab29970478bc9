// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats counts the operations a run performs against its
// dispatch backend: submissions, polls, cancellations, and their
// failures. Counters are grouped in a Map, which may be snapshotted
// at any time.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter names used by runs.
const (
	Stage       = "stage"
	StageError  = "stage.error"
	Submit      = "submit"
	SubmitError = "submit.error"
	Poll        = "poll"
	PollError   = "poll.error"
	Cancel      = "cancel"
)

// Values is a snapshot of the counters of a Map.
type Values map[string]int64

// String returns the nonzero values of the snapshot as space
// separated name:value pairs, sorted by name.
func (v Values) String() string {
	names := make([]string, 0, len(v))
	for name, n := range v {
		if n != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for i, name := range names {
		names[i] = fmt.Sprintf("%s:%d", name, v[name])
	}
	return strings.Join(names, " ")
}

// A Map is a set of counters keyed by name. A nil Map discards
// all counts.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if
// needed. Int returns nil for a nil map.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Incr increments the named counter by one.
func (m *Map) Incr(name string) {
	m.Int(name).Add(1)
}

// Snapshot returns the current values of the counters in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	for name, v := range m.values {
		vals[name] = v.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is an integer counter that may be updated concurrently.
// Operations on a nil Int are no-ops.
type Int struct {
	val int64
}

// Add adds delta to v.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the current value of v.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
