// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/retrypolicy"
)

// FatalSubmissionError is returned when a submission could not be
// made: the backend rejected the request, or transient failures
// persisted beyond the retry policy.
type FatalSubmissionError struct {
	Batch string
	Seq   int
	Err   error
}

func (e *FatalSubmissionError) Error() string {
	return fmt.Sprintf("submission %d of batch %s failed: %v", e.Seq, e.Batch, e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalSubmissionError) Unwrap() error {
	return e.Err
}

// A Submitter submits requests to a backend, retrying transient
// failures according to its policy.
type Submitter struct {
	Backend Backend
	Policy  retrypolicy.Policy
}

// Submit submits the request. Errors other than context errors are
// returned as *FatalSubmissionError.
func (s *Submitter) Submit(ctx context.Context, req *Request) (bigdock.Handle, error) {
	var h bigdock.Handle
	err := s.Policy.Do(ctx, func() error {
		var err error
		h, err = s.Backend.Submit(ctx, req)
		return err
	})
	switch {
	case err == nil:
		log.Debug.Printf("%s: submitted %s (%d subjobs) as %s", s.Backend.Name(), req.Name(), len(req.Subjobs), h)
		return h, nil
	case ctx.Err() != nil:
		return bigdock.Handle{}, ctx.Err()
	default:
		return bigdock.Handle{}, &FatalSubmissionError{Batch: req.Batch, Seq: req.Seq, Err: err}
	}
}

// Cancel cancels the submission with the provided handle, retrying
// transient failures.
func (s *Submitter) Cancel(ctx context.Context, h bigdock.Handle) error {
	return s.Policy.Do(ctx, func() error {
		return s.Backend.Cancel(ctx, h)
	})
}
