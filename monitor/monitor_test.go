// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/dispatch"
	"github.com/grailbio/bigdock/ledger"
	"github.com/grailbio/bigdock/retrypolicy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = bigdock.SubjobID(0, i)
	}
	return ids
}

func handle(id string, seq int, subjobs ...string) bigdock.Handle {
	return bigdock.Handle{Backend: "test", ID: id, Batch: bigdock.BatchID(0), Seq: seq, Subjobs: subjobs}
}

func TestLostCeiling(t *testing.T) {
	ctx := context.Background()
	ids := testIDs(2)
	l := ledger.NewMemory()
	m := New(NewTable(ids), l, Options{Policy: retrypolicy.Default()})
	lost, ok := ids[0], ids[1]

	h := handle("job0", 0, ids...)
	if err := m.Submitted(ctx, h); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Observe(ctx, h, []dispatch.Status{
		{Subjob: ok, State: bigdock.Succeeded},
		{Subjob: lost, State: bigdock.Lost, Reason: "Host EC2 terminated"},
	}); err != nil {
		t.Fatal(err)
	}
	var resubmissions int
	for seq := 1; ; seq++ {
		r, _ := m.Table().Get(lost)
		if r.State != bigdock.Pending {
			break
		}
		if got, want := m.Pending(), []string{lost}; len(got) != 1 || got[0] != want[0] {
			t.Fatalf("got %v, want %v", got, want)
		}
		resubmissions++
		h := handle(fmt.Sprintf("job%d", seq), seq, lost)
		if err := m.Submitted(ctx, h); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Observe(ctx, h, []dispatch.Status{{Subjob: lost, State: bigdock.Lost, Reason: "spot interruption"}}); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := resubmissions, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r, _ := m.Table().Get(lost)
	if got, want := r.State, bigdock.Unrecoverable; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.Attempts, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !m.Table().Done() {
		t.Error("table not done")
	}
	counts := m.Table().Counts()
	if got, want := counts[bigdock.Succeeded], 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	records, err := l.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(records), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := records[0].State, bigdock.Unrecoverable; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStaleHandle(t *testing.T) {
	ctx := context.Background()
	ids := testIDs(1)
	m := New(NewTable(ids), nil, Options{Policy: retrypolicy.Default()})
	old := handle("old", 0, ids...)
	if err := m.Submitted(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Observe(ctx, old, []dispatch.Status{{Subjob: ids[0], State: bigdock.Lost}}); err != nil {
		t.Fatal(err)
	}
	cur := handle("new", 1, ids...)
	if err := m.Submitted(ctx, cur); err != nil {
		t.Fatal(err)
	}
	changed, err := m.Observe(ctx, old, []dispatch.Status{{Subjob: ids[0], State: bigdock.Failed}})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Errorf("stale status applied: %v", changed)
	}
	changed, err = m.Observe(ctx, cur, []dispatch.Status{{Subjob: ids[0], State: bigdock.Running}})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 {
		t.Fatalf("got %v, want 1 change", changed)
	}
	// Backends may report stale, earlier states.
	changed, err = m.Observe(ctx, cur, []dispatch.Status{{Subjob: ids[0], State: bigdock.Submitted}})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Errorf("backward transition applied: %v", changed)
	}
	if got, want := m.Active(), []bigdock.Handle{cur}; len(got) != 1 || got[0].ID != want[0].ID {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFailedNotRetried(t *testing.T) {
	ctx := context.Background()
	ids := testIDs(1)
	for _, retry := range []bool{false, true} {
		p := retrypolicy.Default()
		p.RetryFailed = retry
		m := New(NewTable(ids), nil, Options{Policy: p})
		h := handle("job", 0, ids...)
		if err := m.Submitted(ctx, h); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Observe(ctx, h, []dispatch.Status{{Subjob: ids[0], State: bigdock.Failed, Reason: "exit status 1"}}); err != nil {
			t.Fatal(err)
		}
		r, _ := m.Table().Get(ids[0])
		want := bigdock.Failed
		if retry {
			want = bigdock.Pending
		}
		if got := r.State; got != want {
			t.Errorf("retry %v: got %v, want %v", retry, got, want)
		}
		if got, want := r.Reason, "exit status 1"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	ids := testIDs(2)
	clock := &fakeClock{now: time.Date(2019, 10, 9, 0, 0, 0, 0, time.UTC)}
	m := New(NewTable(ids), nil, Options{
		Policy:        retrypolicy.Default(),
		Timeout:       time.Hour,
		TimeoutAsLost: true,
		Clock:         clock.Now,
	})
	h := handle("job", 0, ids...)
	if err := m.Submitted(ctx, h); err != nil {
		t.Fatal(err)
	}
	// Time spent queued does not count.
	clock.Advance(2 * time.Hour)
	if _, err := m.Observe(ctx, h, []dispatch.Status{{Subjob: ids[0], State: bigdock.Running}}); err != nil {
		t.Fatal(err)
	}
	changed, err := m.CheckTimeouts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Errorf("got %v, want no changes", changed)
	}
	clock.Advance(time.Hour + time.Minute)
	changed, err = m.CheckTimeouts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(changed), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := changed[0].State, bigdock.Pending; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if r, _ := m.Table().Get(ids[1]); r.State != bigdock.Submitted {
		t.Errorf("got %v, want %v", r.State, bigdock.Submitted)
	}
}

func TestQueueTimeout(t *testing.T) {
	ctx := context.Background()
	ids := testIDs(2)
	clock := &fakeClock{now: time.Date(2019, 10, 9, 0, 0, 0, 0, time.UTC)}
	policy := retrypolicy.Default()
	policy.Attempts = 1
	m := New(NewTable(ids), nil, Options{
		Policy:       policy,
		Timeout:      time.Hour,
		QueueTimeout: 24 * time.Hour,
		Clock:        clock.Now,
	})
	// Subjobs that the backend stops reporting stay submitted until
	// the queue timeout.
	for attempt := 1; attempt <= 2; attempt++ {
		h := handle(fmt.Sprintf("job%d", attempt), attempt, ids...)
		if err := m.Submitted(ctx, h); err != nil {
			t.Fatal(err)
		}
		clock.Advance(23 * time.Hour)
		changed, err := m.CheckTimeouts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(changed) != 0 {
			t.Errorf("got %v, want no changes", changed)
		}
		clock.Advance(1000 * time.Hour)
		changed, err = m.CheckTimeouts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := len(changed), 2; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		want := bigdock.Pending
		if attempt == 2 {
			want = bigdock.Unrecoverable
		}
		for _, r := range changed {
			if got := r.State; got != want {
				t.Errorf("attempt %d: got %v, want %v", attempt, got, want)
			}
			if got, want := r.Attempts, attempt; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
	}
	if !m.Table().Done() {
		t.Error("table not done")
	}
}

func TestSubmitFailed(t *testing.T) {
	ctx := context.Background()
	ids := testIDs(3)
	m := New(NewTable(ids), nil, Options{Policy: retrypolicy.Default()})
	if err := m.SubmitFailed(ctx, ids[:2], fmt.Errorf("invalid job definition")); err != nil {
		t.Fatal(err)
	}
	counts := m.Table().Counts()
	if got, want := counts[bigdock.Unrecoverable], 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := m.Pending(), ids[2:]; len(got) != 1 || got[0] != want[0] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWaitSubscribe(t *testing.T) {
	ctx := context.Background()
	ids := testIDs(100)
	table := NewTable(ids)
	m := New(table, nil, Options{Policy: retrypolicy.Default()})
	sub := NewSubscriber()
	table.Subscribe(sub)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r, err := table.Wait(ctx, id, func(r bigdock.Record) bool { return r.State == bigdock.Succeeded })
			if err != nil {
				t.Error(err)
			}
			if r.Subjob != id {
				t.Errorf("got %v, want %v", r.Subjob, id)
			}
		}(id)
	}
	h := handle("job", 0, ids...)
	if err := m.Submitted(ctx, h); err != nil {
		t.Fatal(err)
	}
	statuses := make([]dispatch.Status, len(ids))
	for i, id := range ids {
		statuses[i] = dispatch.Status{Subjob: id, State: bigdock.Succeeded}
	}
	if _, err := m.Observe(ctx, h, statuses); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	<-sub.Ready()
	records := sub.Records()
	if got, want := len(records), len(ids); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, r := range records {
		if got, want := r.State, bigdock.Succeeded; got != want {
			t.Errorf("%s: got %v, want %v", r.Subjob, got, want)
		}
		if got, want := r.Subjob, ids[i]; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got := sub.Records(); len(got) != 0 {
		t.Errorf("got %v, want no records", got)
	}
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	ids := testIDs(3)
	m := New(NewTable(ids), nil, Options{Policy: retrypolicy.Default()})
	h := handle("job", 0, ids...)
	if err := m.Submitted(ctx, h); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Observe(ctx, h, []dispatch.Status{
		{Subjob: ids[0], State: bigdock.Succeeded},
		{Subjob: ids[1], State: bigdock.Running},
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.Abandon(ctx, h, "run canceled"); err != nil {
		t.Fatal(err)
	}
	if got, want := m.Pending(), ids[1:]; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
	r, _ := m.Table().Get(ids[1])
	if got, want := r.Attempts, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.Reason, "run canceled"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if r, _ := m.Table().Get(ids[0]); r.State != bigdock.Succeeded {
		t.Errorf("got %v, want %v", r.State, bigdock.Succeeded)
	}
}

func TestRestore(t *testing.T) {
	ids := testIDs(2)
	table := NewTable(ids)
	h := handle("job", 0, ids...)
	err := table.Restore([]bigdock.Record{
		{Subjob: ids[0], State: bigdock.Succeeded, Attempts: 1, Handle: h},
		{Subjob: ids[1], State: bigdock.Running, Attempts: 1, Handle: h},
	})
	if err != nil {
		t.Fatal(err)
	}
	m := New(table, nil, Options{Policy: retrypolicy.Default()})
	if got := m.Active(); len(got) != 1 || got[0].ID != "job" {
		t.Errorf("got %v, want [test:job]", got)
	}
	if err := table.Restore([]bigdock.Record{{Subjob: "bogus"}}); err == nil {
		t.Error("expected error")
	}
}
