// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sort"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/aggregate"
	"github.com/grailbio/bigdock/dispatch"
	"github.com/grailbio/bigdock/monitor"
	"github.com/grailbio/bigdock/partition"
	"github.com/grailbio/bigdock/stats"
	"golang.org/x/sync/errgroup"
)

// cancelTimeout bounds the time spent canceling outstanding
// submissions after a run has been canceled.
const cancelTimeout = time.Minute

// A runner runs a single plan.
type runner struct {
	*Session
	plan       *partition.Plan
	monitor    *monitor.Monitor
	stager     *dispatch.Stager
	submitter  *dispatch.Submitter
	aggregator *aggregate.Aggregator
	ops        *stats.Map

	// seq holds the next submission sequence number of each batch.
	seq map[string]int
	// unaggregated holds the succeeded subjobs whose results have not
	// yet been aggregated.
	unaggregated map[string]*bigdock.Subjob
}

func (r *runner) run(ctx context.Context) (*Summary, error) {
	table := r.monitor.Table()
	sub := monitor.NewSubscriber()
	table.Subscribe(sub)
	defer table.Unsubscribe(sub)

	r.unaggregated = make(map[string]*bigdock.Subjob)
	r.ops = stats.NewMap()
	for _, rec := range table.Snapshot() {
		if !rec.Handle.IsZero() && rec.Handle.Seq >= r.seq[rec.Handle.Batch] {
			r.seq[rec.Handle.Batch] = rec.Handle.Seq + 1
		}
		if rec.State == bigdock.Succeeded {
			r.unaggregated[rec.Subjob] = r.plan.Subjob(rec.Subjob)
		}
	}

	var task *status.Task
	if r.status != nil {
		group := r.status.Groupf("job %s", r.config.JobName)
		task = group.Start("subjobs")
		defer task.Done()
		maintainCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go maintainBatchGroup(maintainCtx, r.plan, table, group)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	var runErr error
	for {
		err := r.step(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			runErr = err
			break
		}
		r.aggregate(ctx, sub.Records())
		if task != nil {
			r.monitor.Report(task)
		}
		if table.Done() {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	switch {
	case ctx.Err() != nil:
		log.Printf("job %s canceled: %v", r.config.JobName, ctx.Err())
		r.cancel()
	case runErr != nil:
		log.Error.Printf("job %s aborted: %v", r.config.JobName, runErr)
		r.cancel()
	}
	// Results are committed even if the run was canceled or aborted.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	r.aggregate(commitCtx, sub.Records())
	if err := r.aggregator.Commit(commitCtx); err != nil {
		log.Error.Printf("committing results: %v", err)
	}
	summary := r.summary()
	if task != nil {
		task.Printf("%s", summary)
	}
	if runErr != nil {
		return summary, runErr
	}
	return summary, ctx.Err()
}

// step submits pending subjobs, polls outstanding submissions, and
// gives up on subjobs that have timed out.
func (r *runner) step(ctx context.Context) error {
	if err := r.submit(ctx); err != nil {
		return err
	}
	if err := r.poll(ctx); err != nil {
		return err
	}
	changed, err := r.monitor.CheckTimeouts(ctx)
	r.tracer.Observe(changed)
	return err
}

// submit submits the pending subjobs of each batch as a new
// submission of the batch.
func (r *runner) submit(ctx context.Context) error {
	pending := r.monitor.Pending()
	if len(pending) == 0 {
		return nil
	}
	var (
		reqs    []*dispatch.Request
		byBatch = make(map[string]*dispatch.Request)
	)
	for _, id := range pending {
		sj := r.plan.Subjob(id)
		batch := sj.BatchID()
		req := byBatch[batch]
		if req == nil {
			req = &dispatch.Request{Job: r.config.JobName, Batch: batch, Seq: r.seq[batch]}
			r.seq[batch]++
			byBatch[batch] = req
			reqs = append(reqs, req)
		}
		req.Subjobs = append(req.Subjobs, sj)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.pollParallelism)
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			return r.submitRequest(ctx, req)
		})
	}
	return g.Wait()
}

func (r *runner) submitRequest(ctx context.Context, req *dispatch.Request) error {
	ids := make([]string, len(req.Subjobs))
	for i, sj := range req.Subjobs {
		ids[i] = sj.ID
	}
	err := r.policy.Do(ctx, func() error {
		r.ops.Incr(stats.Stage)
		return r.stager.Stage(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.ops.Incr(stats.StageError)
		log.Error.Printf("%s: staging manifest: %v", req.Name(), err)
		return r.monitor.SubmitFailed(ctx, ids, errors.E("staging manifest", err))
	}
	r.ops.Incr(stats.Submit)
	h, err := r.submitter.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.ops.Incr(stats.SubmitError)
		log.Error.Printf("%s: %v", req.Name(), err)
		return r.monitor.SubmitFailed(ctx, ids, err)
	}
	log.Printf("submitted %s: %d subjobs as %s", req.Name(), len(req.Subjobs), h)
	r.tracer.Submit(h)
	// The backend has accepted the submission; it must be recorded
	// even if the run is being canceled.
	return r.monitor.Submitted(context.WithoutCancel(ctx), h)
}

// poll polls the backend for the status of every outstanding
// submission. Submissions that cannot be polled are polled again at
// the next step.
func (r *runner) poll(ctx context.Context) error {
	handles := r.monitor.Active()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.pollParallelism)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			var statuses []dispatch.Status
			err := r.policy.Do(ctx, func() error {
				var err error
				r.ops.Incr(stats.Poll)
				statuses, err = r.backend.Poll(ctx, h)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.ops.Incr(stats.PollError)
				log.Error.Printf("polling %s: %v", h, err)
				return nil
			}
			changed, err := r.monitor.Observe(ctx, h, statuses)
			r.tracer.Observe(changed)
			return err
		})
	}
	return g.Wait()
}

// aggregate aggregates the results of the succeeded subjobs among
// the provided records, together with any subjobs whose results
// could not be aggregated earlier.
func (r *runner) aggregate(ctx context.Context, records []bigdock.Record) {
	for _, rec := range records {
		if rec.State == bigdock.Succeeded {
			r.unaggregated[rec.Subjob] = r.plan.Subjob(rec.Subjob)
		}
	}
	if len(r.unaggregated) == 0 {
		return
	}
	subjobs := make([]*bigdock.Subjob, 0, len(r.unaggregated))
	for _, sj := range r.unaggregated {
		subjobs = append(subjobs, sj)
	}
	sort.Slice(subjobs, func(i, j int) bool {
		return subjobs[i].ID < subjobs[j].ID
	})
	// Subjobs that were aggregated successfully are not read again.
	if err := r.aggregator.Add(ctx, subjobs...); err != nil {
		log.Error.Printf("aggregating results of %d subjobs: %v", len(subjobs), err)
		return
	}
	r.unaggregated = make(map[string]*bigdock.Subjob)
}

// cancel cancels every outstanding submission and returns its
// active subjobs to Pending, so that a later run resubmits them.
func (r *runner) cancel() {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	handles := r.monitor.Active()
	_ = traverse.Limit(r.pollParallelism).Each(len(handles), func(i int) error {
		h := handles[i]
		r.ops.Incr(stats.Cancel)
		if err := r.submitter.Cancel(ctx, h); err != nil {
			log.Error.Printf("canceling %s: %v", h, err)
			return nil
		}
		if err := r.monitor.Abandon(ctx, h, "run canceled"); err != nil {
			log.Error.Printf("recording cancellation of %s: %v", h, err)
		}
		r.tracer.Cancel(h)
		log.Printf("canceled %s", h)
		return nil
	})
}

func (r *runner) summary() *Summary {
	s := &Summary{
		Job:     r.config.JobName,
		Subjobs: len(r.plan.Subjobs),
		Results: r.aggregator.Stats(),
		Ops:     r.ops.Snapshot(),
	}
	incomplete := make(map[string]bool)
	for _, e := range s.Results.Incomplete {
		incomplete[e.Subjob] = true
	}
	s.Incomplete = len(incomplete)
	for _, rec := range r.monitor.Table().Snapshot() {
		switch rec.State {
		case bigdock.Succeeded:
			s.Succeeded++
		case bigdock.Failed:
			s.Failed++
			s.Problems = append(s.Problems, rec)
		case bigdock.Unrecoverable:
			s.Unrecoverable++
			s.Problems = append(s.Problems, rec)
		case bigdock.Pending:
			s.Pending++
		default:
			s.Active++
		}
	}
	return s
}
