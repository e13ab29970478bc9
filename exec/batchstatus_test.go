// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/catalog"
	"github.com/grailbio/bigdock/dispatch"
	"github.com/grailbio/bigdock/ledger"
	"github.com/grailbio/bigdock/monitor"
	"github.com/grailbio/bigdock/partition"
	"github.com/grailbio/bigdock/retrypolicy"
)

func TestBatchCounts(t *testing.T) {
	var c batchCounts
	for _, state := range []bigdock.State{bigdock.Pending, bigdock.Pending, bigdock.Running} {
		c.add(state, 1)
	}
	if c.final() {
		t.Error("counts with pending subjobs are final")
	}
	c.add(bigdock.Pending, -1)
	c.add(bigdock.Succeeded, 1)
	c.add(bigdock.Pending, -1)
	c.add(bigdock.Unrecoverable, 1)
	c.add(bigdock.Running, -1)
	c.add(bigdock.Failed, 1)
	if !c.final() {
		t.Errorf("counts %+v are not final", c)
	}
	if got, want := c, (batchCounts{done: 1, failed: 1, unrecoverable: 1}); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

// waitTasks waits until the group has n tasks, returning their
// statuses.
func waitTasks(t *testing.T, group *status.Group, n int) []string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		tasks := group.Tasks()
		if len(tasks) == n {
			statuses := make([]string, len(tasks))
			for i, task := range tasks {
				v := task.Value()
				statuses[i] = v.Title + ": " + v.Status
			}
			return statuses
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d tasks, want %d", len(tasks), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMaintainBatchGroup(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, "AAAA_%04d 10\n", i+1)
	}
	cat, err := catalog.Parse(strings.NewReader(b.String()), catalog.Standard, catalog.Options{})
	if err != nil {
		t.Fatal(err)
	}
	plan, err := partition.New(cat.Units(), partition.Options{LigandsPerSubjob: 10, ArraySize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(plan.Batches), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	ids := make([]string, len(plan.Subjobs))
	for i, sj := range plan.Subjobs {
		ids[i] = sj.ID
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := monitor.New(monitor.NewTable(ids), ledger.NewMemory(), monitor.Options{Policy: retrypolicy.Default()})

	var s status.Status
	group := s.Group("job test")
	done := make(chan struct{})
	go func() {
		maintainBatchGroup(ctx, plan, m.Table(), group)
		close(done)
	}()
	want := map[string]bool{
		"batch 000000: subjobs pending/active/done: 2/0/0": true,
		"batch 000001: subjobs pending/active/done: 1/0/0": true,
	}
	for _, st := range waitTasks(t, group, 2) {
		if !want[st] {
			t.Errorf("unexpected status %q", st)
		}
	}

	last := plan.Batches[1]
	h := bigdock.Handle{Backend: "test", ID: "job1", Batch: last.ID(), Subjobs: []string{last.Subjobs[0].ID}}
	if err := m.Submitted(ctx, h); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Observe(ctx, h, []dispatch.Status{{Subjob: last.Subjobs[0].ID, State: bigdock.Succeeded}}); err != nil {
		t.Fatal(err)
	}
	// The task of a batch is removed once all of its subjobs are final.
	statuses := waitTasks(t, group, 1)
	if got, want := statuses[0], "batch 000000: subjobs pending/active/done: 2/0/0"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	cancel()
	<-done
	waitTasks(t, group, 0)
}
