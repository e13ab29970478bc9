// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdock

import (
	"fmt"
	"strings"
	"time"
)

// A Subjob is the unit of work handed to one worker: an ordered set
// of work units whose ligand total does not exceed the target subjob
// size, unless the subjob holds a single unit that is itself larger
// than the target.
type Subjob struct {
	// ID uniquely identifies the subjob in a run. IDs are derived
	// from the subjob's position in the plan, so that they are stable
	// across runs of the same plan.
	ID string
	// Batch is the index of the array batch containing the subjob.
	Batch int
	// Index is the subjob's index within its batch.
	Index int
	// Units are the work units processed by the subjob, in catalog
	// order.
	Units []WorkUnit
}

// SubjobID returns the ID of the index'th subjob of a batch.
func SubjobID(batch, index int) string {
	return fmt.Sprintf("%06d-%04d", batch, index)
}

// BatchID returns the ID of the batch with the provided index.
func BatchID(batch int) string {
	return fmt.Sprintf("%06d", batch)
}

// BatchID returns the ID of the subjob's batch.
func (s *Subjob) BatchID() string {
	return BatchID(s.Batch)
}

// Ligands returns the total number of ligands in the subjob.
func (s *Subjob) Ligands() int {
	var n int
	for _, u := range s.Units {
		n += u.Count
	}
	return n
}

// String returns a short description of the subjob.
func (s *Subjob) String() string {
	ids := make([]string, len(s.Units))
	for i, u := range s.Units {
		ids[i] = u.ID()
	}
	return fmt.Sprintf("subjob %s [%d] %s", s.ID, s.Ligands(), strings.Join(ids, ","))
}

// An ArrayBatch is a group of consecutive subjobs submitted to a
// backend together as one array job.
type ArrayBatch struct {
	Index   int
	Subjobs []*Subjob
}

// ID returns the batch's ID.
func (b *ArrayBatch) ID() string {
	return BatchID(b.Index)
}

// Ligands returns the total number of ligands in the batch.
func (b *ArrayBatch) Ligands() int {
	var n int
	for _, s := range b.Subjobs {
		n += s.Ligands()
	}
	return n
}

// A Handle is an opaque reference to a job submitted to a backend.
// Each submission of (a subset of) a batch creates a new handle; the
// position of a subjob in Subjobs is its index within the backend's
// array job.
type Handle struct {
	// Backend is the name of the backend that issued the handle.
	Backend string
	// ID is the backend's job identifier.
	ID string
	// Batch is the ID of the batch that was submitted.
	Batch string
	// Seq is the submission's sequence number within its batch. The
	// first submission of a batch has sequence number 0.
	Seq int
	// Subjobs holds the IDs of the submitted subjobs, in array order.
	Subjobs []string
	// Submitted is the time at which the backend accepted the job.
	Submitted time.Time
}

// IsZero tells whether the handle is unset.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// String returns a short description of the handle.
func (h Handle) String() string {
	return fmt.Sprintf("%s:%s", h.Backend, h.ID)
}

// A Record is the runtime state of a subjob as tracked by the
// execution monitor and persisted in the run ledger.
type Record struct {
	// Subjob is the ID of the subjob.
	Subjob string
	State  State
	// Attempts is the number of times the subjob has been submitted.
	Attempts int
	// Handle is the handle of the subjob's latest submission.
	Handle Handle
	// Reason describes the cause of the latest failure, if any.
	Reason string
	// Updated is the time of the latest state change.
	Updated time.Time
}
