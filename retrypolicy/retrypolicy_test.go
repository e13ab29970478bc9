// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package retrypolicy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigdock"
)

func testPolicy() Policy {
	p := Default()
	p.Backoff = retry.Backoff(time.Millisecond, time.Millisecond, 1)
	p.Retries = 3
	return p
}

func TestClassify(t *testing.T) {
	for _, c := range []struct {
		err  error
		want Class
	}{
		{errors.E(errors.Temporary, "throttled"), Transient},
		{errors.E(errors.Net, "connection reset"), Transient},
		{errors.E(errors.Timeout, "deadline"), Transient},
		{errors.E(errors.Invalid, "bad job definition"), Fatal},
		{errors.E(errors.NotSupported, "array size"), Fatal},
		{errors.E(errors.Fatal, "boom"), Fatal},
		{errors.E(errors.Net, errors.Fatal, "fatal net"), Fatal},
		{context.Canceled, Fatal},
		{fmt.Errorf("something odd"), Transient},
	} {
		if got, want := Classify(c.err), c.want; got != want {
			t.Errorf("%v: got %v, want %v", c.err, got, want)
		}
	}
}

func TestDo(t *testing.T) {
	p := testPolicy()
	var calls int
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.E(errors.Temporary, "throttled")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := calls, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDoFatal(t *testing.T) {
	p := testPolicy()
	var calls int
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.E(errors.Invalid, "malformed")
	})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if got, want := calls, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDoGiveUp(t *testing.T) {
	p := testPolicy()
	var calls int
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.E(errors.Temporary, "unavailable")
	})
	if !errors.Is(errors.TooManyTries, err) {
		t.Errorf("got %v, want too many tries", err)
	}
	// One call plus at most p.Retries retries.
	if calls < p.Retries || calls > p.Retries+1 {
		t.Errorf("unexpected number of calls %d", calls)
	}
}

func TestDoCanceled(t *testing.T) {
	p := testPolicy()
	p.Backoff = retry.Backoff(time.Hour, time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := p.Do(ctx, func() error {
		calls++
		cancel()
		return errors.E(errors.Temporary, "unavailable")
	})
	if got, want := err, context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := calls, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResubmit(t *testing.T) {
	p := Default()
	// A lost subjob is resubmitted 4 times: after its first through
	// fourth submissions.
	for attempts := 1; attempts <= 4; attempts++ {
		if !p.Resubmit(bigdock.Lost, attempts) {
			t.Errorf("attempt %d: expected resubmission", attempts)
		}
	}
	if p.Resubmit(bigdock.Lost, 5) {
		t.Error("expected attempt ceiling")
	}
	if p.Resubmit(bigdock.Failed, 1) {
		t.Error("failed subjobs are not retried by default")
	}
	p.RetryFailed = true
	if !p.Resubmit(bigdock.Failed, 1) {
		t.Error("expected failed subjob to be retried")
	}
	if p.Resubmit(bigdock.Succeeded, 1) {
		t.Error("succeeded subjobs are never resubmitted")
	}
}
