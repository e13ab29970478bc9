// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
)

// A procJob is a submission whose subjobs run on the local machine,
// as processes or containers.
type procJob struct {
	cancel func()

	mu       sync.Mutex
	statuses []Status
}

func (j *procJob) set(index int, state bigdock.State, reason string, code int) {
	j.mu.Lock()
	j.statuses[index].State = state
	j.statuses[index].Reason = reason
	j.statuses[index].ExitCode = code
	j.mu.Unlock()
}

func (j *procJob) snapshot() []Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Status(nil), j.statuses...)
}

// A runFunc runs the index'th subjob of a request to completion,
// returning the subjob's final state.
type runFunc func(ctx context.Context, req *Request, index int) (state bigdock.State, reason string, code int)

// procs runs submissions on the local machine. Subjobs of all
// submissions share a limiter that bounds the number of subjobs that
// run concurrently.
type procs struct {
	name    string
	limiter *limiter.Limiter
	run     runFunc

	mu   sync.Mutex
	jobs map[string]*procJob
}

func newProcs(name string, parallelism int, run runFunc) *procs {
	p := &procs{
		name:    name,
		limiter: limiter.New(),
		run:     run,
		jobs:    make(map[string]*procJob),
	}
	p.limiter.Release(parallelism)
	return p
}

func (p *procs) Name() string { return p.name }

func (p *procs) Submit(ctx context.Context, req *Request) (bigdock.Handle, error) {
	if len(req.Subjobs) == 0 {
		return bigdock.Handle{}, errors.E(errors.Invalid, fmt.Sprintf("%s: empty request", p.name))
	}
	// Subjobs outlive the submitting context; they are stopped by
	// Cancel.
	jctx, cancel := context.WithCancel(backgroundcontext.Get())
	job := &procJob{cancel: cancel, statuses: make([]Status, len(req.Subjobs))}
	for i, s := range req.Subjobs {
		job.statuses[i] = Status{Subjob: s.ID, State: bigdock.Submitted}
	}
	id := uuid.New().String()
	p.mu.Lock()
	p.jobs[id] = job
	p.mu.Unlock()
	for i := range req.Subjobs {
		go p.runSubjob(jctx, job, req, i)
	}
	log.Debug.Printf("%s: started %s: job %s (%d subjobs)", p.name, req.Name(), id, len(req.Subjobs))
	h := req.handle(p.name, id)
	h.Submitted = time.Now()
	return h, nil
}

func (p *procs) runSubjob(ctx context.Context, job *procJob, req *Request, index int) {
	if err := p.limiter.Acquire(ctx, 1); err != nil {
		job.set(index, bigdock.Lost, "canceled before start", 0)
		return
	}
	defer p.limiter.Release(1)
	job.set(index, bigdock.Running, "", 0)
	state, reason, code := p.run(ctx, req, index)
	if ctx.Err() != nil && state != bigdock.Succeeded {
		state, reason = bigdock.Lost, "canceled"
	}
	job.set(index, state, reason, code)
}

func (p *procs) job(h bigdock.Handle) (*procJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[h.ID]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("%s: job %s", p.name, h.ID))
	}
	return job, nil
}

func (p *procs) Poll(ctx context.Context, h bigdock.Handle) ([]Status, error) {
	job, err := p.job(h)
	if err != nil {
		// Local jobs do not survive the process: a handle from a
		// previous run refers to subjobs that are gone.
		statuses := make([]Status, len(h.Subjobs))
		for i, id := range h.Subjobs {
			statuses[i] = Status{Subjob: id, State: bigdock.Lost, Reason: "job not found"}
		}
		return statuses, nil
	}
	return job.snapshot(), nil
}

func (p *procs) Cancel(ctx context.Context, h bigdock.Handle) error {
	job, err := p.job(h)
	if err != nil {
		return nil
	}
	job.cancel()
	return nil
}
