// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package retrypolicy classifies failures and decides how they are
// retried. Backend calls that fail transiently are retried with
// exponential backoff up to a bounded number of tries; subjobs lost
// to the infrastructure are resubmitted up to an attempt ceiling;
// everything else is surfaced.
package retrypolicy

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigdock"
)

// Class is the class of a failure.
type Class int

const (
	// Transient failures are expected to go away on their own:
	// throttling, network errors, unavailable services.
	Transient Class = iota
	// Fatal failures will not succeed if retried: malformed requests,
	// invalid configuration, cancellation.
	Fatal
	// Lost describes subjobs that failed because the infrastructure
	// running them went away.
	Lost
	// Failed describes subjobs whose docking program failed.
	Failed
)

var classes = [...]string{
	Transient: "transient",
	Fatal:     "fatal",
	Lost:      "lost",
	Failed:    "failed",
}

// String returns the class's name.
func (c Class) String() string {
	return classes[c]
}

var fatalErr = errors.E(errors.Fatal)

// Classify returns the class of the provided error. Errors are
// classified by their github.com/grailbio/base/errors kind and
// severity; backends translate their native errors accordingly.
// Unclassified errors are taken to be transient: retries are bounded.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Transient
	case err == context.Canceled, err == context.DeadlineExceeded:
		return Fatal
	case errors.Match(fatalErr, err):
		return Fatal
	case errors.IsTemporary(err),
		errors.Is(errors.Net, err),
		errors.Is(errors.Timeout, err):
		return Transient
	case errors.Is(errors.Invalid, err),
		errors.Is(errors.NotSupported, err),
		errors.Is(errors.NotAllowed, err),
		errors.Is(errors.Canceled, err):
		return Fatal
	}
	return Transient
}

// ForState returns the failure class of a subjob in the provided
// state.
func ForState(state bigdock.State) Class {
	switch state {
	case bigdock.Lost:
		return Lost
	case bigdock.Failed:
		return Failed
	case bigdock.Unrecoverable:
		return Fatal
	}
	return Transient
}

// DefaultBackoff is the backoff policy used for transient failures.
var DefaultBackoff = retry.Backoff(time.Second, 5*time.Second, 1.5)

// A Policy parameterizes retries.
type Policy struct {
	// Backoff is the backoff policy for transient failures.
	Backoff retry.Policy
	// Retries bounds the number of retries of a transiently failing
	// call.
	Retries int
	// Attempts is the number of times a subjob is resubmitted after it
	// has been lost.
	Attempts int
	// RetryFailed resubmits subjobs that failed, subject to the same
	// attempt ceiling as lost subjobs.
	RetryFailed bool
}

// Default returns the default policy: transient failures are retried
// 5 times, lost subjobs are resubmitted 4 times, and failed subjobs
// are not retried.
func Default() Policy {
	return Policy{
		Backoff:  DefaultBackoff,
		Retries:  5,
		Attempts: 4,
	}
}

// Do calls fn until it succeeds, it returns a non-transient error,
// the policy's retries are exhausted, or the context is done. When
// retries are exhausted, Do returns an error of kind
// errors.TooManyTries wrapping the last failure.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	backoff := p.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	// MaxTries counts the first call.
	policy := retry.MaxTries(backoff, p.Retries+1)
	for retries := 0; ; {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Classify(err) != Transient {
			return err
		}
		retries++
		log.Debug.Printf("transient error (try %d/%d): %v", retries, p.Retries+1, err)
		if werr := retry.Wait(ctx, policy, retries-1); werr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.E(errors.TooManyTries, fmt.Sprintf("gave up after %d tries", retries+1), err)
		}
	}
}

// Resubmit tells whether a subjob that ended in the provided state
// after the given number of submissions should be submitted again.
func (p Policy) Resubmit(state bigdock.State, attempts int) bool {
	switch ForState(state) {
	case Lost:
	case Failed:
		if !p.RetryFailed {
			return false
		}
	default:
		return false
	}
	return attempts <= p.Attempts
}
