// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package aggregate collects the result records of completed
// subjobs and merges them into per-scenario summaries.
//
// Records are merged by (scenario, ligand, replica), so aggregating a
// subjob more than once, or aggregating subjobs in a different order,
// produces identical summaries.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/address"
	"github.com/klauspost/compress/gzip"
)

// Summary formats.
const (
	CSV     = "csv.gz"
	Parquet = "parquet"
)

// ValidFormat tells whether the provided summary format is
// supported.
func ValidFormat(format string) bool {
	return format == CSV || format == Parquet
}

// knownAttrs are the ligand attributes that workers extract from
// collections.
var knownAttrs = map[string]bool{
	"smi":              true,
	"heavy_atom_count": true,
}

// CheckAttrs returns an error if any of the provided attribute names
// is not known.
func CheckAttrs(attrs []string) error {
	var unknown []string
	for _, attr := range attrs {
		if !knownAttrs[attr] {
			unknown = append(unknown, attr)
		}
	}
	if len(unknown) > 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("unknown ligand attributes %s", strings.Join(unknown, ", ")))
	}
	return nil
}

// IncompleteResultError describes a subjob whose results for a
// scenario do not cover all of its work units.
type IncompleteResultError struct {
	Subjob   string `json:"subjob"`
	Scenario string `json:"scenario"`
	Want     int    `json:"want"`
	Got      int    `json:"got"`
	// Reason describes why the result object could not be read in
	// full, if it could not.
	Reason string `json:"reason,omitempty"`
}

func (e *IncompleteResultError) Error() string {
	msg := fmt.Sprintf("subjob %s scenario %s: incomplete results: got %d records, want %d", e.Subjob, e.Scenario, e.Got, e.Want)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Options configures an Aggregator.
type Options struct {
	// Job is the name of the job.
	Job string
	// Scenarios are the run's docking scenarios.
	Scenarios []bigdock.Scenario
	// Formats are the summary formats to write.
	Formats []string
	// Attrs are the ligand attributes passed through to summaries.
	Attrs []string
	// Output resolves the locations of results and summaries.
	Output address.Resolver
	// Parallelism bounds the number of subjobs whose results are read
	// concurrently.
	Parallelism int
}

// Ligand names are unique within a collection only.
type recordKey struct {
	scenario, collection, ligand string
	replica                      int
}

type entry struct {
	status string
	reason string
	score  float64
	scored bool
	attrs  map[string]string
}

// An Aggregator accumulates results of subjobs. Aggregators are safe
// for concurrent use.
type Aggregator struct {
	opts Options
	done once.Map

	mu         sync.Mutex
	entries    map[recordKey]entry
	incomplete map[string]*IncompleteResultError
	subjobs    map[string]bool
}

// New returns a new Aggregator.
func New(opts Options) *Aggregator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 16
	}
	return &Aggregator{
		opts:       opts,
		entries:    make(map[recordKey]entry),
		incomplete: make(map[string]*IncompleteResultError),
		subjobs:    make(map[string]bool),
	}
}

// Add reads and merges the results of the provided subjobs. Each
// subjob is read at most once; subjobs whose results could not be
// read because of a storage error are read again by a later call.
// Missing, short, and corrupt result objects are incomplete results:
// the records that could be decoded are merged, and the subjob is
// logged and reported by Stats.
func (a *Aggregator) Add(ctx context.Context, subjobs ...*bigdock.Subjob) error {
	return traverse.Limit(a.opts.Parallelism).Each(len(subjobs), func(i int) error {
		sj := subjobs[i]
		err := a.done.Do(sj.ID, func() error {
			return a.add(ctx, sj)
		})
		if err != nil {
			a.done.Forget(sj.ID)
		}
		return err
	})
}

func (a *Aggregator) add(ctx context.Context, sj *bigdock.Subjob) error {
	for _, scenario := range a.opts.Scenarios {
		path := a.opts.Output.OutputPath(a.opts.Job, scenario.Name, "results", sj.BatchID(), sj.ID, "json.gz")
		records, err := readRecords(ctx, path)
		var reason string
		switch {
		case err == nil:
		case errors.Is(errors.NotExist, err):
			reason = "missing result object"
		case errors.Is(errors.Integrity, err):
			reason = err.Error()
		default:
			return errors.E("aggregate", sj.ID, scenario.Name, err)
		}
		want := sj.Ligands() * scenario.Replicas
		var ierr *IncompleteResultError
		if len(records) != want || reason != "" {
			ierr = &IncompleteResultError{Subjob: sj.ID, Scenario: scenario.Name, Want: want, Got: len(records), Reason: reason}
			log.Error.Print(ierr)
		}
		a.merge(scenario.Name, records)
		a.mu.Lock()
		key := sj.ID + "/" + scenario.Name
		if ierr != nil {
			a.incomplete[key] = ierr
		} else {
			delete(a.incomplete, key)
		}
		a.mu.Unlock()
	}
	a.mu.Lock()
	a.subjobs[sj.ID] = true
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) merge(scenario string, records []bigdock.ResultRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range records {
		e := entry{
			status: r.Status,
			reason: r.Reason,
			attrs:  r.Attrs,
		}
		if r.Succeeded() {
			e.score, e.scored = r.Score()
		}
		// Records are written per scenario; the record's own scenario
		// field is informational.
		a.entries[recordKey{scenario, r.Collection, r.Ligand, r.Replica}] = e
	}
}

// readRecords reads the gzip-compressed JSON lines of result
// records at the provided path.
func readRecords(ctx context.Context, path string) (records []bigdock.ResultRecord, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	gz, err := gzip.NewReader(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(errors.Integrity, path, err)
	}
	defer gz.Close()
	dec := json.NewDecoder(gz)
	for {
		var r bigdock.ResultRecord
		if err := dec.Decode(&r); err == io.EOF {
			break
		} else if err != nil {
			return records, errors.E(errors.Integrity, path, err)
		}
		records = append(records, r)
	}
	return records, nil
}

// A FailedDocking is a docking that a worker reported as failed.
type FailedDocking struct {
	Ligand     string `json:"ligand"`
	Collection string `json:"collection_key"`
	Scenario   string `json:"scenario"`
	Replica    int    `json:"replica"`
	Reason     string `json:"reason,omitempty"`
}

// Stats summarizes the aggregated results.
type Stats struct {
	Job string `json:"job"`
	// Subjobs is the number of aggregated subjobs.
	Subjobs int `json:"subjobs"`
	// Succeeded and Failed count dockings.
	Succeeded int             `json:"dockings_succeeded"`
	Failed    int             `json:"dockings_failed"`
	Dockings  []FailedDocking `json:"failed_dockings,omitempty"`
	// Incomplete lists the subjobs with incomplete results.
	Incomplete []*IncompleteResultError `json:"incomplete,omitempty"`
}

// Stats returns statistics of the aggregated results.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{Job: a.opts.Job, Subjobs: len(a.subjobs)}
	for k, e := range a.entries {
		if e.status == bigdock.ResultSucceeded {
			s.Succeeded++
			continue
		}
		s.Failed++
		s.Dockings = append(s.Dockings, FailedDocking{
			Ligand:     k.ligand,
			Collection: k.collection,
			Scenario:   k.scenario,
			Replica:    k.replica,
			Reason:     e.reason,
		})
	}
	sort.Slice(s.Dockings, func(i, j int) bool {
		di, dj := s.Dockings[i], s.Dockings[j]
		if di.Scenario != dj.Scenario {
			return di.Scenario < dj.Scenario
		}
		if di.Ligand != dj.Ligand {
			return di.Ligand < dj.Ligand
		}
		if di.Collection != dj.Collection {
			return di.Collection < dj.Collection
		}
		return di.Replica < dj.Replica
	})
	for _, e := range a.incomplete {
		s.Incomplete = append(s.Incomplete, e)
	}
	sort.Slice(s.Incomplete, func(i, j int) bool {
		if s.Incomplete[i].Subjob != s.Incomplete[j].Subjob {
			return s.Incomplete[i].Subjob < s.Incomplete[j].Subjob
		}
		return s.Incomplete[i].Scenario < s.Incomplete[j].Scenario
	})
	return s
}
