// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/monitor"
	"github.com/grailbio/bigdock/partition"
)

// batchCounts is a snapshot of the counts of a batch's subjobs in the
// states that we display in status.
type batchCounts struct {
	pending       int
	active        int
	done          int
	failed        int
	unrecoverable int
}

// add adds n to the count for state. n may be negative.
func (c *batchCounts) add(state bigdock.State, n int) {
	switch state {
	case bigdock.Pending, bigdock.Lost:
		c.pending += n
	case bigdock.Submitted, bigdock.Running:
		c.active += n
	case bigdock.Succeeded:
		c.done += n
	case bigdock.Failed:
		c.failed += n
	case bigdock.Unrecoverable:
		c.unrecoverable += n
	}
}

func (c batchCounts) final() bool {
	return c.pending == 0 && c.active == 0
}

// printTo prints the counts of c to t.
func (c batchCounts) printTo(t *status.Task) {
	if c.failed > 0 || c.unrecoverable > 0 {
		// Provide a more detailed view if there are subjobs that failed.
		t.Printf("subjobs pending/active/done/failed/unrecoverable: %d/%d/%d/%d/%d",
			c.pending, c.active, c.done, c.failed, c.unrecoverable)
		return
	}
	t.Printf("subjobs pending/active/done: %d/%d/%d", c.pending, c.active, c.done)
}

// maintainBatchGroup maintains a status.Group that tracks the state
// of the subjobs of each batch in the plan. This is usually called in
// a goroutine and returns only when ctx is done.
func maintainBatchGroup(ctx context.Context, plan *partition.Plan, table *monitor.Table, group *status.Group) {
	sub := monitor.NewSubscriber()
	// Subscribe to updates before we grab the initial state so that we
	// are guaranteed to see every subsequent update.
	table.Subscribe(sub)
	defer table.Unsubscribe(sub)

	var (
		tasks     = make(map[string]*status.Task)
		counts    = make(map[string]batchCounts)
		lastState = make(map[string]bigdock.State)
	)
	for _, b := range plan.Batches {
		var c batchCounts
		for _, sj := range b.Subjobs {
			r, _ := table.Get(sj.ID)
			lastState[sj.ID] = r.State
			c.add(r.State, 1)
		}
		counts[b.ID()] = c
		if c.final() {
			continue
		}
		tasks[b.ID()] = group.Startf("batch %s", b.ID())
		c.printTo(tasks[b.ID()])
	}
	group.Printf("batches: %d", len(plan.Batches))
	defer func() {
		for _, task := range tasks {
			task.Done()
		}
	}()
	for {
		select {
		case <-sub.Ready():
		case <-ctx.Done():
			return
		}
		for _, r := range sub.Records() {
			batch := plan.Subjob(r.Subjob).BatchID()
			c := counts[batch]
			c.add(lastState[r.Subjob], -1)
			c.add(r.State, 1)
			counts[batch] = c
			lastState[r.Subjob] = r.State
			task := tasks[batch]
			if task == nil {
				continue
			}
			c.printTo(task)
			if c.final() {
				task.Done()
				delete(tasks, batch)
			}
		}
	}
}
