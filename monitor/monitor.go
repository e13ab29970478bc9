// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package monitor tracks the state of a run's subjobs. The monitor
// applies the statuses reported by backends to a table of subjob
// records, enforcing the subjob state machine: stale and backward
// transitions are ignored, lost subjobs are returned to Pending for
// resubmission until their attempts are exhausted, and subjobs that
// run for longer than the configured timeout are given up on. Every
// change is written to the run's ledger.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/dispatch"
	"github.com/grailbio/bigdock/ledger"
	"github.com/grailbio/bigdock/retrypolicy"
)

// Options configures a Monitor.
type Options struct {
	// Policy decides which lost and failed subjobs are resubmitted.
	Policy retrypolicy.Policy
	// Timeout, if nonzero, is the time after which a running subjob
	// that has not completed is given up on.
	Timeout time.Duration
	// TimeoutAsLost treats timed out subjobs as lost (and thus subject
	// to resubmission) rather than failed.
	TimeoutAsLost bool
	// QueueTimeout, if nonzero, is the time after which a submitted
	// subjob that the backend never reported running is considered
	// lost.
	QueueTimeout time.Duration
	// Clock returns the current time. It defaults to time.Now.
	Clock func() time.Time
}

// A Monitor maintains the records of a run's subjobs.
type Monitor struct {
	table  *Table
	ledger ledger.Ledger
	opts   Options
}

// New returns a monitor that maintains the provided table and
// writes changes to the provided ledger.
func New(table *Table, l ledger.Ledger, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Monitor{table: table, ledger: l, opts: opts}
}

// Table returns the monitor's table.
func (m *Monitor) Table() *Table {
	return m.table
}

// Pending returns the IDs of the subjobs that are waiting to be
// submitted, in plan order.
func (m *Monitor) Pending() []string {
	var ids []string
	for _, id := range m.table.IDs() {
		if r, _ := m.table.Get(id); r.State == bigdock.Pending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Active returns the handles of submissions that have active
// subjobs, ordered by batch and sequence number.
func (m *Monitor) Active() []bigdock.Handle {
	var (
		handles []bigdock.Handle
		seen    = make(map[string]bool)
	)
	for _, id := range m.table.IDs() {
		r, _ := m.table.Get(id)
		if !r.State.Active() || seen[r.Handle.String()] {
			continue
		}
		seen[r.Handle.String()] = true
		handles = append(handles, r.Handle)
	}
	return handles
}

// Submitted records the submission of the subjobs of the provided
// handle.
func (m *Monitor) Submitted(ctx context.Context, h bigdock.Handle) error {
	now := m.opts.Clock()
	var changed []bigdock.Record
	for _, id := range h.Subjobs {
		r, ok := m.table.update(id, func(r *bigdock.Record) bool {
			if !transition(r, bigdock.Submitted, "", now) {
				return false
			}
			r.Attempts++
			r.Handle = h
			return true
		})
		if ok {
			changed = append(changed, r)
		}
	}
	return m.put(ctx, changed)
}

// SubmitFailed records that the subjobs with the provided IDs could
// not be submitted. They are unrecoverable.
func (m *Monitor) SubmitFailed(ctx context.Context, ids []string, err error) error {
	now := m.opts.Clock()
	var changed []bigdock.Record
	for _, id := range ids {
		r, ok := m.table.update(id, func(r *bigdock.Record) bool {
			return transition(r, bigdock.Unrecoverable, err.Error(), now)
		})
		if ok {
			changed = append(changed, r)
		}
	}
	return m.put(ctx, changed)
}

// Observe applies the statuses reported by a backend for the
// submission with the provided handle. Statuses for subjobs that have
// since been resubmitted under another handle are ignored, as are
// statuses that would move a subjob backwards. Observe returns the
// changed records.
func (m *Monitor) Observe(ctx context.Context, h bigdock.Handle, statuses []dispatch.Status) ([]bigdock.Record, error) {
	now := m.opts.Clock()
	var changed []bigdock.Record
	for _, s := range statuses {
		r, ok := m.table.update(s.Subjob, func(r *bigdock.Record) bool {
			if r.Handle.ID != h.ID || r.Handle.Backend != h.Backend {
				log.Debug.Printf("%s: ignoring status from stale handle %s", s, h)
				return false
			}
			if r.State == s.State {
				return false
			}
			if !transition(r, s.State, s.Reason, now) {
				return false
			}
			m.settle(r, now)
			return true
		})
		if ok {
			changed = append(changed, r)
		}
	}
	return changed, m.put(ctx, changed)
}

// Abandon returns the active subjobs of the provided handle to
// Pending after the handle has been canceled. The canceled attempt
// does not count towards the subjobs' attempts.
func (m *Monitor) Abandon(ctx context.Context, h bigdock.Handle, reason string) error {
	now := m.opts.Clock()
	var changed []bigdock.Record
	for _, id := range h.Subjobs {
		r, ok := m.table.update(id, func(r *bigdock.Record) bool {
			if r.Handle.ID != h.ID || r.Handle.Backend != h.Backend || !r.State.Active() {
				return false
			}
			transition(r, bigdock.Lost, reason, now)
			transition(r, bigdock.Pending, reason, now)
			r.Attempts--
			return true
		})
		if ok {
			changed = append(changed, r)
		}
	}
	return m.put(ctx, changed)
}

// CheckTimeouts gives up on subjobs that have been running for
// longer than the monitor's timeout, and on subjobs that have stayed
// submitted for longer than its queue timeout. The latter are lost.
// It returns the changed records.
func (m *Monitor) CheckTimeouts(ctx context.Context) ([]bigdock.Record, error) {
	if m.opts.Timeout <= 0 && m.opts.QueueTimeout <= 0 {
		return nil, nil
	}
	now := m.opts.Clock()
	runningTo := bigdock.Failed
	if m.opts.TimeoutAsLost {
		runningTo = bigdock.Lost
	}
	var changed []bigdock.Record
	for _, id := range m.table.IDs() {
		r, ok := m.table.update(id, func(r *bigdock.Record) bool {
			var (
				limit  time.Duration
				to     bigdock.State
				reason string
			)
			elapsed := now.Sub(r.Updated)
			switch r.State {
			case bigdock.Running:
				limit, to = m.opts.Timeout, runningTo
				reason = fmt.Sprintf("no completion after %s", elapsed.Round(time.Second))
			case bigdock.Submitted:
				limit, to = m.opts.QueueTimeout, bigdock.Lost
				reason = fmt.Sprintf("not started after %s", elapsed.Round(time.Second))
			default:
				return false
			}
			if limit <= 0 || elapsed <= limit {
				return false
			}
			if !transition(r, to, reason, now) {
				return false
			}
			m.settle(r, now)
			return true
		})
		if ok {
			log.Error.Printf("subjob %s timed out: %s", id, r.State)
			changed = append(changed, r)
		}
	}
	return changed, m.put(ctx, changed)
}

// settle moves a lost or failed subjob back to Pending if the policy
// resubmits it, and lost subjobs that are not resubmitted to
// Unrecoverable.
func (m *Monitor) settle(r *bigdock.Record, now time.Time) {
	switch r.State {
	case bigdock.Lost:
		if m.opts.Policy.Resubmit(r.State, r.Attempts) {
			log.Printf("subjob %s lost (attempt %d): %s; resubmitting", r.Subjob, r.Attempts, r.Reason)
			transition(r, bigdock.Pending, r.Reason, now)
		} else {
			log.Error.Printf("subjob %s lost after %d attempts: %s", r.Subjob, r.Attempts, r.Reason)
			transition(r, bigdock.Unrecoverable, r.Reason, now)
		}
	case bigdock.Failed:
		if m.opts.Policy.Resubmit(r.State, r.Attempts) {
			log.Printf("subjob %s failed (attempt %d): %s; resubmitting", r.Subjob, r.Attempts, r.Reason)
			transition(r, bigdock.Pending, r.Reason, now)
		} else {
			log.Error.Printf("subjob %s failed: %s", r.Subjob, r.Reason)
		}
	}
}

// transition moves r to the provided state if the transition is
// permitted. Backends may skip states they never observe: a subjob
// may be reported Running before it is reported Submitted.
func transition(r *bigdock.Record, to bigdock.State, reason string, now time.Time) bool {
	if !bigdock.CanTransition(r.State, to) {
		if r.State != to {
			log.Debug.Printf("subjob %s: ignoring transition %s -> %s", r.Subjob, r.State, to)
		}
		return false
	}
	r.State = to
	if reason != "" || to == bigdock.Submitted {
		r.Reason = reason
	}
	r.Updated = now
	return true
}

func (m *Monitor) put(ctx context.Context, records []bigdock.Record) error {
	if len(records) == 0 || m.ledger == nil {
		return nil
	}
	return m.ledger.Put(ctx, records...)
}

// Report prints the table's state counts to the provided status
// task.
func (m *Monitor) Report(task *status.Task) {
	c := m.table.Counts()
	active := c[bigdock.Submitted] + c[bigdock.Running]
	if c[bigdock.Failed] > 0 || c[bigdock.Unrecoverable] > 0 {
		task.Printf("subjobs pending/active/done/failed/unrecoverable: %d/%d/%d/%d/%d",
			c[bigdock.Pending], active, c[bigdock.Succeeded], c[bigdock.Failed], c[bigdock.Unrecoverable])
		return
	}
	task.Printf("subjobs pending/active/done: %d/%d/%d", c[bigdock.Pending], active, c[bigdock.Succeeded])
}
