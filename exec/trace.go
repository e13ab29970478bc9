// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/bigdock"
)

// traceEvent is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type traceEvent struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// A tracer tracks the attempts of a run's subjobs. Trace events are
// logged in the Chrome tracing format and can be visualized using its
// built-in visualization tool (chrome://tracing). Each batch is
// represented as a Chrome "process"; each attempt of a subjob is an
// event that begins when the subjob is submitted and ends when the
// attempt completes.
//
// To produce easier to interpret visualizations, tracer assigns generated
// virtual "thread IDs" to trace events, and events are also coalesced into
// "complete events" (X) at the time of rendering.
//
// A nil tracer ignores all events.
type tracer struct {
	mu sync.Mutex

	events       []traceEvent
	subjobEvents map[string][]traceEvent

	batchPids     map[string]int
	batchTidPools map[string]tidPool

	// firstEvent is used to store the time of the first observed
	// event so that the offsets in the trace are meaningful.
	firstEvent time.Time
}

// tidPool is a pool of (virtual) thread IDs that we use to assign Tids to
// events. This makes visualization with the Chrome tracing tool much nicer, as
// concurrent events are shown on their own rows. The length of the pool is the
// maximum number of B events without a matching E event. The indexes of the
// slices are the Tids that we allocate, their corresponding value indicating
// whether it is considered available for allocation.
type tidPool []bool

func newTracer() *tracer {
	return &tracer{
		subjobEvents:  make(map[string][]traceEvent),
		batchPids:     make(map[string]int),
		batchTidPools: make(map[string]tidPool),
	}
}

// Submit logs the beginning of an attempt of each subjob of the
// provided handle.
func (t *tracer) Submit(h bigdock.Handle) {
	for _, id := range h.Subjobs {
		t.event(h.Batch, id, "B", "handle", h.String(), "seq", h.Seq)
	}
}

// Observe logs the end of the attempts of the provided records that
// are no longer active.
func (t *tracer) Observe(records []bigdock.Record) {
	for _, r := range records {
		if r.State.Active() {
			continue
		}
		args := []interface{}{"state", r.State.String(), "attempts", r.Attempts}
		if r.Reason != "" {
			args = append(args, "reason", r.Reason)
		}
		t.event(r.Handle.Batch, r.Subjob, "E", args...)
	}
}

// Cancel logs the end of the attempts of the subjobs of a canceled
// handle.
func (t *tracer) Cancel(h bigdock.Handle) {
	for _, id := range h.Subjobs {
		t.event(h.Batch, id, "E", "state", "canceled")
	}
}

// event logs an event for the provided subjob of the provided batch
// with the given type (ph), and arguments. ph is as in Chrome's
// tracing format. Arguments is list of interleaved key-value pairs
// that are attached as event metadata. Args must be of even length.
func (t *tracer) event(batch, subjob, ph string, args ...interface{}) {
	if t == nil {
		return
	}
	if len(args)%2 != 0 {
		panic("trace.Event: invalid arguments")
	}
	var event traceEvent
	event.Args = make(map[string]interface{}, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	event.Ph = ph
	event.Name = subjob
	event.Cat = "subjob"
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstEvent.IsZero() {
		t.firstEvent = time.Now()
		event.Ts = 0
	} else {
		event.Ts = time.Since(t.firstEvent).Nanoseconds() / 1e3
	}
	pid, ok := t.batchPids[batch]
	if !ok {
		pid = len(t.batchPids) + 1
		t.batchPids[batch] = pid
		// Attach "process" name metadata so we can identify the batch.
		t.events = append(t.events, traceEvent{
			Pid:  pid,
			Ts:   event.Ts,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{
				"name": "batch " + batch,
			},
		})
	}
	event.Pid = pid
	t.assignTid(batch, ph, t.subjobEvents[subjob], &event)
	t.subjobEvents[subjob] = append(t.subjobEvents[subjob], event)
}

// assignTid assigns a thread ID to event, using the batch's tid pool
// and type of event. events is the slice of existing events of the
// subjob.
func (t *tracer) assignTid(batch, ph string, events []traceEvent, event *traceEvent) {
	event.Tid = 0
	tidPool := t.batchTidPools[batch]
	switch ph {
	case "B":
		event.Tid = tidPool.Acquire()
		t.batchTidPools[batch] = tidPool
	case "E":
		if len(events) == 0 {
			break
		}
		lastEvent := events[len(events)-1]
		if lastEvent.Ph != "B" {
			break
		}
		event.Tid = lastEvent.Tid
		tidPool.Release(event.Tid)
	}
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]traceEvent, len(t.events))
	copy(events, t.events)
	subjobs := make([]string, 0, len(t.subjobEvents))
	for id := range t.subjobEvents {
		subjobs = append(subjobs, id)
	}
	sort.Strings(subjobs)
	for _, id := range subjobs {
		events = appendCoalesce(events, t.subjobEvents[id])
	}
	t.mu.Unlock()

	envelope := struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}{events}
	enc := json.NewEncoder(w)
	return enc.Encode(envelope)
}

// appendCoalesce appends a set of events on the provided list,
// first coalescing events so that "B" and "E" events are matched
// into a single "X" event. This produces more visually compact (and
// useful) trace visualizations. appendCoalesce also prunes orphan
// events.
func appendCoalesce(list []traceEvent, events []traceEvent) []traceEvent {
	var begIndex = -1
	for _, event := range events {
		if event.Ph == "B" && begIndex < 0 {
			begIndex = len(list)
		}
		if event.Ph == "E" && begIndex >= 0 {
			list[begIndex].Ph = "X"
			list[begIndex].Dur = event.Ts - list[begIndex].Ts
			if list[begIndex].Dur == 0 {
				list[begIndex].Dur = 1
			}
			for k, v := range event.Args {
				if _, ok := list[begIndex].Args[k]; !ok {
					list[begIndex].Args[k] = v
				}
			}
			// Reset the begin index, so that each attempt of a
			// resubmitted subjob is captured as a unique event.
			begIndex = -1
		} else if event.Ph != "E" {
			list = append(list, event)
		} // drop unmatched "E"s
	}
	if begIndex >= 0 {
		// An attempt that has not completed. Drop it.
		copy(list[begIndex:], list[begIndex+1:])
		list = list[:len(list)-1]
	}
	return list
}

// Acquire acquires an available thread ID from pool p. Thread IDs are
// sequential and 1-indexed, preserving 0 for events without meaningful thread
// IDs.
func (p *tidPool) Acquire() int {
	for tid, available := range *p {
		if available {
			(*p)[tid] = false
			return tid + 1
		}
	}
	// Nothing available in the pool, so grow it.
	tid := len(*p)
	*p = append(*p, false)
	return tid + 1
}

// Release releases a tid, a thread ID previously acquired in Acquire. This
// makes it available to be returned from a future call to Acquire.
func (p tidPool) Release(tid int) {
	if p[tid-1] {
		panic("releasing unallocated tid")
	}
	p[tid-1] = true
}
