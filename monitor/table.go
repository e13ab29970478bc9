// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigdock"
	"github.com/spaolacci/murmur3"
)

// numStripes is the number of independently locked stripes of a
// table. Runs track up to millions of subjobs.
const numStripes = 64

type stripe struct {
	mu      sync.Mutex
	cond    *ctxsync.Cond
	records map[string]*bigdock.Record
}

// A Table holds the records of a run's subjobs. Tables are safe for
// concurrent use; records are striped by subjob ID, and each stripe
// has a condition variable that is broadcast on every change to one
// of its records.
type Table struct {
	stripes [numStripes]stripe
	// ids holds the subjob IDs in plan order.
	ids []string

	mu   sync.Mutex
	subs []*Subscriber
}

// NewTable returns a table of Pending records for the subjobs with
// the provided IDs, given in plan order.
func NewTable(ids []string) *Table {
	t := &Table{ids: append([]string(nil), ids...)}
	for i := range t.stripes {
		s := &t.stripes[i]
		s.cond = ctxsync.NewCond(&s.mu)
		s.records = make(map[string]*bigdock.Record)
	}
	for _, id := range ids {
		t.stripe(id).records[id] = &bigdock.Record{Subjob: id, State: bigdock.Pending}
	}
	return t
}

func (t *Table) stripe(id string) *stripe {
	return &t.stripes[murmur3.Sum32([]byte(id))%numStripes]
}

// Len returns the number of subjobs in the table.
func (t *Table) Len() int {
	return len(t.ids)
}

// IDs returns the table's subjob IDs in plan order.
func (t *Table) IDs() []string {
	return t.ids
}

// Restore replaces the table's records with the provided ones, as
// loaded from a ledger. It is an integrity error for a record to name
// a subjob that is not in the table.
func (t *Table) Restore(records []bigdock.Record) error {
	for _, r := range records {
		s := t.stripe(r.Subjob)
		s.mu.Lock()
		_, ok := s.records[r.Subjob]
		if ok {
			rec := r
			s.records[r.Subjob] = &rec
			s.cond.Broadcast()
		}
		s.mu.Unlock()
		if !ok {
			return errors.E(errors.Integrity, "subjob "+r.Subjob+" is not in the plan")
		}
	}
	return nil
}

// Get returns the record of the subjob with the provided ID.
func (t *Table) Get(id string) (bigdock.Record, bool) {
	s := t.stripe(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return bigdock.Record{}, false
	}
	return *r, true
}

// update calls fn with the record of the subjob with the provided ID,
// under the stripe's lock. If fn returns true, the record was changed:
// waiters and subscribers are notified. Update returns the (possibly
// updated) record, and whether it was changed.
func (t *Table) update(id string, fn func(r *bigdock.Record) bool) (bigdock.Record, bool) {
	s := t.stripe(id)
	s.mu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return bigdock.Record{}, false
	}
	changed := fn(r)
	rec := *r
	if changed {
		s.cond.Broadcast()
		t.notify(rec)
	}
	s.mu.Unlock()
	return rec, changed
}

// Snapshot returns the table's records in plan order.
func (t *Table) Snapshot() []bigdock.Record {
	records := make([]bigdock.Record, len(t.ids))
	for i, id := range t.ids {
		records[i], _ = t.Get(id)
	}
	return records
}

// Counts returns the number of subjobs in each state.
func (t *Table) Counts() map[bigdock.State]int {
	counts := make(map[bigdock.State]int)
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.Lock()
		for _, r := range s.records {
			counts[r.State]++
		}
		s.mu.Unlock()
	}
	return counts
}

// Done tells whether every subjob in the table is in a final state.
func (t *Table) Done() bool {
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.Lock()
		for _, r := range s.records {
			if !r.State.Final() {
				s.mu.Unlock()
				return false
			}
		}
		s.mu.Unlock()
	}
	return true
}

// Wait returns when the record of the subjob with the provided ID
// satisfies pred, or else when the context is done.
func (t *Table) Wait(ctx context.Context, id string, pred func(bigdock.Record) bool) (bigdock.Record, error) {
	s := t.stripe(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		r, ok := s.records[id]
		if !ok {
			return bigdock.Record{}, errors.E(errors.NotExist, "subjob "+id)
		}
		if pred(*r) {
			return *r, nil
		}
		if err := s.cond.Wait(ctx); err != nil {
			return *r, err
		}
	}
}

// Subscribe subscribes s to be notified of every change to the
// table's records. If s has already been subscribed, no-op.
func (t *Table) Subscribe(s *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		if s == sub {
			return
		}
	}
	t.subs = append(t.subs, s)
}

// Unsubscribe unsubscribes a previously subscribed s. No-op if s was
// never subscribed.
func (t *Table) Unsubscribe(s *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[:0]
	for _, sub := range t.subs {
		if s == sub {
			continue
		}
		subs = append(subs, sub)
	}
	t.subs = subs
}

func (t *Table) notify(r bigdock.Record) {
	t.mu.Lock()
	subs := append([]*Subscriber(nil), t.subs...)
	t.mu.Unlock()
	for _, sub := range subs {
		sub.Notify(r)
	}
}
