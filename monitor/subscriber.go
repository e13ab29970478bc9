// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package monitor

import (
	"sort"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigdock"
)

// closedc is closed in init; it is returned by Ready whenever
// records are already available.
var closedc = make(chan struct{})

func init() {
	close(closedc)
}

// Subscriber is subscribed to a Table using Subscribe. It is then
// notified of every change to the table's records, and accumulates
// the latest record of each changed subjob until they are retrieved
// by Records.
type Subscriber struct {
	sync.Mutex
	cond *ctxsync.Cond

	// records holds the latest record of each subjob that has changed
	// since the last call to Records.
	records map[string]bigdock.Record
}

// NewSubscriber returns a new Subscriber. It needs to be subscribed
// to a Table with Table.Subscribe to be notified of changes.
func NewSubscriber() *Subscriber {
	s := &Subscriber{records: make(map[string]bigdock.Record)}
	s.cond = ctxsync.NewCond(s)
	return s
}

// Notify notifies s of a change to a record.
func (s *Subscriber) Notify(r bigdock.Record) {
	s.Lock()
	defer s.Unlock()
	s.records[r.Subjob] = r
	s.cond.Broadcast()
}

// Ready returns a channel that is closed when there are records
// available to be retrieved by Records.
func (s *Subscriber) Ready() <-chan struct{} {
	s.Lock()
	if len(s.records) > 0 {
		s.Unlock()
		return closedc
	}
	return s.cond.Done()
}

// Records returns the latest records of the subjobs that changed
// since the last call to Records, ordered by subjob ID.
func (s *Subscriber) Records() []bigdock.Record {
	s.Lock()
	defer s.Unlock()
	records := make([]bigdock.Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.records = make(map[string]bigdock.Record)
	sort.Slice(records, func(i, j int) bool {
		return records[i].Subjob < records[j].Subjob
	})
	return records
}
