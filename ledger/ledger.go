// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ledger persists the state of a run's subjobs, so that an
// interrupted run can be resumed without resubmitting the subjobs it
// had already completed, and without losing track of the subjobs it
// had already submitted.
package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/grailbio/bigdock"
)

// A Ledger stores subjob records. Records are keyed by subjob ID; a
// Put replaces any previous record of the same subjob. A ledger also
// stores the fingerprint of the plan whose subjobs it records:
// resuming a run with a different plan would misattribute records.
type Ledger interface {
	// Load returns all records in the ledger, ordered by subjob ID.
	Load(ctx context.Context) ([]bigdock.Record, error)
	// Put stores the provided records.
	Put(ctx context.Context, records ...bigdock.Record) error
	// Fingerprint returns the plan fingerprint stored in the ledger,
	// or the empty string if none is stored.
	Fingerprint(ctx context.Context) (string, error)
	// SetFingerprint stores the plan fingerprint.
	SetFingerprint(ctx context.Context, fp string) error
	// Close releases the ledger's resources.
	Close() error
}

// Open opens the ledger at the provided path. An empty path returns
// an in-memory ledger.
func Open(path string) (Ledger, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return OpenDuckDB(path)
}

// Memory is an in-memory ledger. It is used for runs that are not
// resumable, and in tests.
type Memory struct {
	mu          sync.Mutex
	records     map[string]bigdock.Record
	fingerprint string
}

// NewMemory returns a new, empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]bigdock.Record)}
}

// Load implements Ledger.
func (m *Memory) Load(ctx context.Context) ([]bigdock.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]bigdock.Record, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Subjob < records[j].Subjob
	})
	return records, nil
}

// Put implements Ledger.
func (m *Memory) Put(ctx context.Context, records ...bigdock.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r.Handle.Subjobs = append([]string(nil), r.Handle.Subjobs...)
		m.records[r.Subjob] = r
	}
	return nil
}

// Fingerprint implements Ledger.
func (m *Memory) Fingerprint(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fingerprint, nil
}

// SetFingerprint implements Ledger.
func (m *Memory) SetFingerprint(ctx context.Context, fp string) error {
	m.mu.Lock()
	m.fingerprint = fp
	m.mu.Unlock()
	return nil
}

// Close implements Ledger.
func (m *Memory) Close() error { return nil }
