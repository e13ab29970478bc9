// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dispatch submits array batches of subjobs to compute
// backends, and reports on their progress. Backends implement a
// shared contract: submit a batch, poll the per-subjob status of a
// submission, and cancel it. Implementations are provided for AWS
// Batch, Slurm, local processes, and local Docker containers.
package dispatch

import (
	"context"
	"fmt"

	"github.com/grailbio/bigdock"
)

// Environment variables set for every subjob. Workers read their
// manifest from BIGDOCK_MANIFEST, and find their entry in it by
// array index. AWS Batch and Slurm array children do not receive
// BIGDOCK_ARRAY_INDEX; they use AWS_BATCH_JOB_ARRAY_INDEX and
// SLURM_ARRAY_TASK_ID respectively.
const (
	EnvManifest   = "BIGDOCK_MANIFEST"
	EnvSubjob     = "BIGDOCK_SUBJOB"
	EnvArrayIndex = "BIGDOCK_ARRAY_INDEX"
	EnvJob        = "BIGDOCK_JOB"
)

// A Request is a request to run a set of subjobs of a batch. The
// first submission of a batch includes all of its subjobs;
// resubmissions include the subjobs that are to be retried.
type Request struct {
	// Job is the name of the job.
	Job string
	// Batch is the ID of the submitted batch.
	Batch string
	// Seq is the submission's sequence number within the batch.
	Seq int
	// Subjobs are the subjobs to run. A subjob's position in Subjobs
	// is its index in the resulting array job.
	Subjobs []*bigdock.Subjob
	// Manifest is the location of the staged manifest describing the
	// subjobs to their workers.
	Manifest string
}

// Name returns a name for the request, suitable as a backend job
// name.
func (r *Request) Name() string {
	return fmt.Sprintf("%s-%s-%d", r.Job, r.Batch, r.Seq)
}

// handle returns a handle for the request with the provided backend
// name and job ID.
func (r *Request) handle(backend, id string) bigdock.Handle {
	h := bigdock.Handle{
		Backend: backend,
		ID:      id,
		Batch:   r.Batch,
		Seq:     r.Seq,
		Subjobs: make([]string, len(r.Subjobs)),
	}
	for i, s := range r.Subjobs {
		h.Subjobs[i] = s.ID
	}
	return h
}

// A Status is the status of a subjob in a submission, as reported by
// a backend.
type Status struct {
	// Subjob is the ID of the subjob.
	Subjob string
	// State is one of Submitted, Running, Succeeded, Failed, or Lost.
	State bigdock.State
	// Reason describes failures.
	Reason string
	// ExitCode is the exit code of the subjob's worker, when known.
	ExitCode int
}

func (s Status) String() string {
	if s.Reason == "" {
		return fmt.Sprintf("%s %s", s.Subjob, s.State)
	}
	return fmt.Sprintf("%s %s: %s", s.Subjob, s.State, s.Reason)
}

// Backend is the interface implemented by compute backends.
//
// Backend errors are classified by package retrypolicy: transient
// errors (throttling, unavailable services) carry the
// github.com/grailbio/base/errors Temporary severity or a network
// kind; invalid requests are of kind errors.Invalid.
type Backend interface {
	// Name returns the backend's name.
	Name() string
	// Submit submits the request, returning a handle to the
	// submission.
	Submit(ctx context.Context, req *Request) (bigdock.Handle, error)
	// Poll returns the status of the subjobs of the submission with
	// the provided handle. Subjobs whose status is not (yet) known to
	// the backend are omitted.
	Poll(ctx context.Context, h bigdock.Handle) ([]Status, error)
	// Cancel cancels the submission with the provided handle.
	Cancel(ctx context.Context, h bigdock.Handle) error
}

// subjobAt returns the ID of the subjob at the provided array index
// of the handle, or the empty string if the index is out of range.
func subjobAt(h bigdock.Handle, index int) string {
	if index < 0 || index >= len(h.Subjobs) {
		return ""
	}
	return h.Subjobs[index]
}
