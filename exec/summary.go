// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/aggregate"
	"github.com/grailbio/bigdock/stats"
)

// A Summary describes the outcome of a run.
type Summary struct {
	Job string
	// Subjobs is the number of subjobs in the plan.
	Subjobs int
	// Succeeded, Failed, Unrecoverable, Pending, and Active count the
	// subjobs in each state at the end of the run. Pending and Active
	// are nonzero only for canceled runs.
	Succeeded, Failed, Unrecoverable, Pending, Active int
	// Incomplete is the number of succeeded subjobs whose results did
	// not cover all of their ligands.
	Incomplete int
	// Results summarizes the aggregated results.
	Results aggregate.Stats
	// Ops counts the operations performed against the backend.
	Ops stats.Values
	// Problems holds the records of failed and unrecoverable subjobs.
	Problems []bigdock.Record
}

// Err returns an error if any subjob of the run is unrecoverable.
// Failed subjobs and incomplete results are reported but are not
// errors.
func (s *Summary) Err() error {
	if s.Unrecoverable == 0 {
		return nil
	}
	return errors.E(errors.TooManyTries, fmt.Sprintf("job %s: %d of %d subjobs unrecoverable", s.Job, s.Unrecoverable, s.Subjobs))
}

// String returns a one-line description of the summary.
func (s *Summary) String() string {
	str := fmt.Sprintf("%d/%d subjobs succeeded", s.Succeeded, s.Subjobs)
	if s.Failed > 0 || s.Unrecoverable > 0 {
		str += fmt.Sprintf(", %d failed, %d unrecoverable", s.Failed, s.Unrecoverable)
	}
	if s.Pending > 0 || s.Active > 0 {
		str += fmt.Sprintf(", %d not completed", s.Pending+s.Active)
	}
	return str
}

// WriteTo writes a tabular description of the summary to w.
func (s *Summary) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	var tw tabwriter.Writer
	tw.Init(cw, 4, 4, 1, ' ', 0)
	fmt.Fprintf(&tw, "job %s: %s\n", s.Job, s)
	fmt.Fprintf(&tw, "\tsucceeded:\t%d\n", s.Succeeded)
	fmt.Fprintf(&tw, "\tfailed:\t%d\n", s.Failed)
	fmt.Fprintf(&tw, "\tunrecoverable:\t%d\n", s.Unrecoverable)
	if s.Pending > 0 || s.Active > 0 {
		fmt.Fprintf(&tw, "\tnot completed:\t%d\n", s.Pending+s.Active)
	}
	fmt.Fprintf(&tw, "\tdockings succeeded:\t%d\n", s.Results.Succeeded)
	fmt.Fprintf(&tw, "\tdockings failed:\t%d\n", s.Results.Failed)
	fmt.Fprintf(&tw, "\tincomplete results:\t%d\n", s.Incomplete)
	if ops := s.Ops.String(); ops != "" {
		fmt.Fprintf(&tw, "\tbackend operations:\t%s\n", ops)
	}
	if len(s.Problems) > 0 {
		fmt.Fprintln(&tw, "\tsubjob\tstate\tattempts\treason")
		for _, r := range s.Problems {
			fmt.Fprintf(&tw, "\t%s\t%s\t%d\t%s\n", r.Subjob, r.State, r.Attempts, r.Reason)
		}
	}
	err := tw.Flush()
	return cw.n, err
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
