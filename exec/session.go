// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec runs bigdock jobs. A Session reads a run's work list,
// partitions it into subjobs, submits the subjobs to a compute
// backend in array batches, monitors them to completion (resubmitting
// lost subjobs), and aggregates their results into summaries.
package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/aggregate"
	"github.com/grailbio/bigdock/catalog"
	"github.com/grailbio/bigdock/dispatch"
	"github.com/grailbio/bigdock/dockconfig"
	"github.com/grailbio/bigdock/ledger"
	"github.com/grailbio/bigdock/monitor"
	"github.com/grailbio/bigdock/partition"
	"github.com/grailbio/bigdock/retrypolicy"
)

// DefaultPollParallelism is the default number of handles polled
// concurrently.
const DefaultPollParallelism = 16

// Session represents a bigdock run. A session is configured once,
// by Start, and then runs the job described by its configuration.
// Runs are resumable: a session whose ledger holds the records of an
// earlier run of the same plan picks up where that run left off.
type Session struct {
	id     string
	config *dockconfig.Config

	backend         dispatch.Backend
	ledger          ledger.Ledger
	ownLedger       bool
	policy          *retrypolicy.Policy
	status          *status.Status
	clock           func() time.Time
	pollInterval    time.Duration
	pollParallelism int
	tracePath       string
	tracer          *tracer

	planOnce sync.Once
	plan     *partition.Plan
	catalog  *catalog.Catalog
	planErr  error
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Backend configures the session with the provided compute backend,
// overriding the backend named by the configuration.
func Backend(b dispatch.Backend) Option {
	return func(s *Session) {
		s.backend = b
	}
}

// Ledger configures the session with the provided ledger. The
// session does not close ledgers provided this way.
func Ledger(l ledger.Ledger) Option {
	return func(s *Session) {
		s.ledger = l
	}
}

// Status configures the session with a status object to which run
// statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Clock configures the session's time source.
func Clock(clock func() time.Time) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// PollInterval configures the interval at which the session polls
// the backend, overriding the configured interval.
func PollInterval(d time.Duration) Option {
	if d <= 0 {
		panic("exec.PollInterval: d <= 0")
	}
	return func(s *Session) {
		s.pollInterval = d
	}
}

// PollParallelism configures the number of handles that are polled
// concurrently.
func PollParallelism(p int) Option {
	if p <= 0 {
		panic("exec.PollParallelism: p <= 0")
	}
	return func(s *Session) {
		s.pollParallelism = p
	}
}

// Policy configures the session's retry policy, overriding the
// policy derived from the configuration.
func Policy(p retrypolicy.Policy) Option {
	return func(s *Session) {
		s.policy = &p
	}
}

// TracePath configures the path to which a trace of the run's subjob
// attempts is written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
		s.tracer = newTracer()
	}
}

// Start creates a new session for the provided configuration,
// configuring it according to the provided options. If no backend
// is provided, the backend named by the configuration is opened; if
// no ledger is provided, the configured ledger is opened.
func Start(config *dockconfig.Config, options ...Option) (*Session, error) {
	s := &Session{
		id:              uuid.New().String(),
		config:          config,
		clock:           time.Now,
		pollInterval:    config.PollInterval,
		pollParallelism: DefaultPollParallelism,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.policy == nil {
		p := config.Policy()
		s.policy = &p
	}
	if s.backend == nil {
		var err error
		s.backend, err = dispatch.Open(config)
		if err != nil {
			return nil, err
		}
	}
	if s.ledger == nil {
		var err error
		s.ledger, err = ledger.Open(config.LedgerPath)
		if err != nil {
			return nil, err
		}
		s.ownLedger = true
	}
	log.Printf("session %s: job %s on %s", s.id, config.JobName, s.backend.Name())
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Plan reads the session's work list and partitions it into
// subjobs. The plan is computed once per session.
func (s *Session) Plan(ctx context.Context) (*partition.Plan, error) {
	s.planOnce.Do(func() {
		s.catalog, s.planErr = catalog.Open(ctx, s.config.WorkList, s.config.WorkListFormat, s.config.CatalogOptions())
		if s.planErr != nil {
			return
		}
		s.plan, s.planErr = partition.New(s.catalog.Units(), s.config.PartitionOptions())
		if s.planErr != nil {
			return
		}
		log.Printf("plan %.12s: %d subjobs in %d batches, %d ligands",
			s.plan.Fingerprint(), len(s.plan.Subjobs), len(s.plan.Batches), s.plan.Ligands())
	})
	return s.plan, s.planErr
}

// Run runs the session's job to completion: every subjob of the plan
// reaches a final state, or ctx is done. On cancellation, every
// outstanding submission is canceled through the backend. In either
// case, the results aggregated so far are committed and summarized.
//
// Only configuration, work list, and ledger errors abort a run;
// failed and unrecoverable subjobs are reported by the returned
// summary. A run aborted after it started submitting cancels its
// outstanding submissions and commits its results as a canceled run
// does, returning its summary together with the error.
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	plan, err := s.Plan(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.checkFingerprint(ctx, plan); err != nil {
		return nil, err
	}
	ids := make([]string, len(plan.Subjobs))
	for i, sj := range plan.Subjobs {
		ids[i] = sj.ID
	}
	table := monitor.NewTable(ids)
	records, err := s.ledger.Load(ctx)
	if err != nil {
		return nil, errors.E("loading ledger", err)
	}
	if err := table.Restore(records); err != nil {
		return nil, err
	}
	if len(records) > 0 {
		log.Printf("resuming job %s: %d subjob records restored", s.config.JobName, len(records))
	}
	r := &runner{
		Session: s,
		plan:    plan,
		monitor: monitor.New(table, s.ledger, monitor.Options{
			Policy:        *s.policy,
			Timeout:       s.config.MonitorTimeout(),
			TimeoutAsLost: s.config.TimeoutAsLost,
			QueueTimeout:  s.config.QueueTimeout,
			Clock:         s.clock,
		}),
		stager: &dispatch.Stager{
			Job:       s.config.JobName,
			Scenarios: s.config.Scenarios,
			Threads:   s.config.Threads,
			Prescreen: s.catalog.Prescreen(),
			Data:      s.config.DataResolver(),
			Output:    s.config.JobResolver(),
		},
		submitter: &dispatch.Submitter{Backend: s.backend, Policy: *s.policy},
		aggregator: aggregate.New(aggregate.Options{
			Job:       s.config.JobName,
			Scenarios: s.config.Scenarios,
			Formats:   s.config.SummaryFormats,
			Attrs:     s.config.Attrs,
			Output:    s.config.JobResolver(),
		}),
		seq: make(map[string]int),
	}
	return r.run(ctx)
}

func (s *Session) checkFingerprint(ctx context.Context, plan *partition.Plan) error {
	fp, err := s.ledger.Fingerprint(ctx)
	if err != nil {
		return errors.E("reading plan fingerprint", err)
	}
	switch fp {
	case plan.Fingerprint():
		return nil
	case "":
		return s.ledger.SetFingerprint(ctx, plan.Fingerprint())
	default:
		return errors.E(errors.Invalid, fmt.Sprintf(
			"ledger belongs to a different plan (%s, want %s); the work list or partitioning options changed",
			fp, plan.Fingerprint()))
	}
}

// Shutdown tears down resources associated with this session. It
// should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.ownLedger {
		if err := s.ledger.Close(); err != nil {
			log.Error.Printf("session %s: closing ledger: %v", s.id, err)
		}
	}
	if s.tracePath != "" {
		writeTraceFile(s.tracer, s.tracePath)
	}
}

func writeTraceFile(tracer *tracer, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error opening trace file %s: %v", path, err)
		return
	}
	if err := tracer.Marshal(w); err != nil {
		log.Error.Printf("error writing trace to %s: %v", path, err)
	}
	if err := w.Close(); err != nil {
		log.Error.Printf("error closing trace file %s: %v", path, err)
	}
}

// Counts returns the number of subjobs in each state as recorded by
// the session's ledger. Subjobs of the plan without a record are
// counted as pending.
func (s *Session) Counts(ctx context.Context) (map[bigdock.State]int, error) {
	plan, err := s.Plan(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.ledger.Load(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[bigdock.State]int)
	for _, r := range records {
		counts[r.State]++
	}
	counts[bigdock.Pending] += len(plan.Subjobs) - len(records)
	return counts, nil
}

// WritePlan writes a description of the session's plan to w.
func (s *Session) WritePlan(ctx context.Context, w io.Writer) error {
	plan, err := s.Plan(ctx)
	if err != nil {
		return err
	}
	_, err = plan.WriteTo(w)
	return err
}
