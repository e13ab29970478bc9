// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdock

import (
	"fmt"
	"strings"
)

// State represents the runtime state of a Subjob. State values are
// defined so that their magnitudes correspond with subjob
// progression.
type State int

const (
	// Pending is the initial state of a subjob: it is waiting to be
	// submitted (or resubmitted) to a backend.
	Pending State = iota
	// Submitted indicates that the subjob has been accepted by a
	// backend, but has not yet started running.
	Submitted
	// Running is the state of a subjob that is currently executing.
	Running

	// Succeeded indicates that the subjob's worker exited
	// successfully; its results are available for aggregation.
	//
	// All State values greater than Succeeded indicate failures.
	Succeeded

	// Failed indicates that the docking program itself failed: it
	// exited non-zero or timed out.
	Failed
	// Lost indicates that the subjob was lost to an infrastructure
	// failure, for example a reclaimed spot instance or a failed node.
	Lost
	// Unrecoverable indicates that the subjob cannot be completed in
	// this run: it was lost more times than allowed, or its submission
	// failed permanently.
	Unrecoverable

	maxState
)

var states = [...]string{
	Pending:       "PENDING",
	Submitted:     "SUBMITTED",
	Running:       "RUNNING",
	Succeeded:     "SUCCEEDED",
	Failed:        "FAILED",
	Lost:          "LOST",
	Unrecoverable: "UNRECOVERABLE",
}

// String returns the state as an upper-case string.
func (s State) String() string {
	if s < 0 || s >= maxState {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return states[s]
}

// ParseState returns the state named by the provided string, as
// returned by State.String. Matching is case-insensitive.
func ParseState(name string) (State, error) {
	for s, str := range states {
		if strings.EqualFold(str, name) {
			return State(s), nil
		}
	}
	return 0, fmt.Errorf("unknown subjob state %q", name)
}

// Active tells whether the state is held by a subjob that has been
// handed to a backend and not yet completed.
func (s State) Active() bool {
	return s == Submitted || s == Running
}

// Final tells whether a subjob in this state will not change state
// again during a run. Failed is final unless failed subjobs are
// retried; see CanTransition.
func (s State) Final() bool {
	return s == Succeeded || s == Failed || s == Unrecoverable
}

// transitions holds the valid state transitions of a subjob.
var transitions = map[State][]State{
	Pending:   {Submitted, Unrecoverable},
	Submitted: {Running, Succeeded, Failed, Lost},
	Running:   {Succeeded, Failed, Lost},
	Failed:    {Pending},
	Lost:      {Pending, Unrecoverable},
}

// CanTransition tells whether a subjob may move from state from to
// state to. Succeeded and Unrecoverable are terminal. A Failed
// subjob may only return to Pending when failed subjobs are retried,
// which is decided by the caller.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
