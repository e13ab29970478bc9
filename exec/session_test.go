// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/address"
	"github.com/grailbio/bigdock/aggregate"
	"github.com/grailbio/bigdock/catalog"
	"github.com/grailbio/bigdock/dispatch"
	"github.com/grailbio/bigdock/dockconfig"
	"github.com/grailbio/bigdock/ledger"
	"github.com/grailbio/bigdock/retrypolicy"
	"github.com/grailbio/bigdock/stats"
	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
)

func init() {
	log.AddFlags()
}

const workList = `AAAA_00001 10
AAAB_00001 10
ABAA_00002 10
`

func testConfig(t *testing.T, dir string) *dockconfig.Config {
	t.Helper()
	path := filepath.Join(dir, "todo.all")
	if err := ioutil.WriteFile(path, []byte(workList), 0644); err != nil {
		t.Fatal(err)
	}
	return &dockconfig.Config{
		JobName:          "test",
		Backend:          dockconfig.Local,
		WorkList:         path,
		WorkListFormat:   catalog.Standard,
		LigandsPerSubjob: 10,
		SplitCollections: true,
		ArraySize:        2,
		Timeout:          time.Hour,
		Attempts:         4,
		TimeoutAsLost:    true,
		DataMode:         address.Hierarchical,
		DataPrefix:       filepath.Join(dir, "collections"),
		JobMode:          address.Hierarchical,
		JobPrefix:        filepath.Join(dir, "jobs"),
		Scenarios:        []bigdock.Scenario{{Name: "vina", Replicas: 1}},
		SummaryFormats:   []string{aggregate.CSV},
		Attrs:            []string{"smi"},
		Threads:          2,
		PollInterval:     time.Millisecond,
	}
}

func testPolicy(attempts int) retrypolicy.Policy {
	return retrypolicy.Policy{
		Backoff:  retry.Backoff(time.Millisecond, time.Millisecond, 1),
		Retries:  3,
		Attempts: attempts,
	}
}

// fakeBackend is a backend whose subjobs complete as soon as they are
// submitted, with the state returned by outcome. Submitted subjobs
// write their results, as workers do.
type fakeBackend struct {
	output    address.Resolver
	scenarios []bigdock.Scenario
	outcome   func(subjob string, attempt int) bigdock.State

	mu        sync.Mutex
	requests  []dispatch.Request
	attempts  map[string]int
	handles   map[string]map[string]int
	canceled  []string
	submitted chan struct{}
}

func newFakeBackend(config *dockconfig.Config, outcome func(string, int) bigdock.State) *fakeBackend {
	return &fakeBackend{
		output:    config.JobResolver(),
		scenarios: config.Scenarios,
		outcome:   outcome,
		attempts:  make(map[string]int),
		handles:   make(map[string]map[string]int),
		submitted: make(chan struct{}, 100),
	}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Submit(ctx context.Context, req *dispatch.Request) (bigdock.Handle, error) {
	if _, err := dispatch.ReadManifest(ctx, req.Manifest); err != nil {
		return bigdock.Handle{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := bigdock.Handle{
		Backend:   b.Name(),
		ID:        fmt.Sprintf("job-%d", len(b.requests)),
		Batch:     req.Batch,
		Seq:       req.Seq,
		Submitted: time.Now(),
	}
	attempts := make(map[string]int)
	for _, sj := range req.Subjobs {
		h.Subjobs = append(h.Subjobs, sj.ID)
		b.attempts[sj.ID]++
		attempts[sj.ID] = b.attempts[sj.ID]
		if err := b.writeResults(sj); err != nil {
			return bigdock.Handle{}, err
		}
	}
	b.handles[h.ID] = attempts
	b.requests = append(b.requests, *req)
	select {
	case b.submitted <- struct{}{}:
	default:
	}
	return h, nil
}

func (b *fakeBackend) writeResults(sj *bigdock.Subjob) error {
	for _, scenario := range b.scenarios {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		enc := json.NewEncoder(gz)
		for _, u := range sj.Units {
			for i := 0; i < u.Count; i++ {
				for replica := 0; replica < scenario.Replicas; replica++ {
					err := enc.Encode(bigdock.ResultRecord{
						Ligand:     fmt.Sprintf("%s-%d", u.Collection, u.Offset+i),
						Collection: u.Collection,
						Scenario:   scenario.Name,
						Replica:    replica,
						Status:     bigdock.ResultSucceeded,
						Scores:     []float64{-float64(i)},
						Attrs:      map[string]string{"smi": "C"},
					})
					if err != nil {
						return err
					}
				}
			}
		}
		if err := gz.Close(); err != nil {
			return err
		}
		path := b.output.OutputPath("test", scenario.Name, "results", sj.BatchID(), sj.ID, "json.gz")
		if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
			return err
		}
		if err := ioutil.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBackend) Poll(ctx context.Context, h bigdock.Handle) ([]dispatch.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	attempts, ok := b.handles[h.ID]
	if !ok {
		return nil, errors.E(errors.NotExist, h.ID)
	}
	statuses := make([]dispatch.Status, len(h.Subjobs))
	for i, id := range h.Subjobs {
		statuses[i] = dispatch.Status{Subjob: id, State: b.outcome(id, attempts[id])}
		switch statuses[i].State {
		case bigdock.Lost:
			statuses[i].Reason = "Host EC2 (instance i-0123) terminated."
		case bigdock.Failed:
			statuses[i].Reason = "Essential container in task exited"
			statuses[i].ExitCode = 1
		}
	}
	return statuses, nil
}

func (b *fakeBackend) Cancel(ctx context.Context, h bigdock.Handle) error {
	b.mu.Lock()
	b.canceled = append(b.canceled, h.ID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Requests() []dispatch.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	reqs := append([]dispatch.Request(nil), b.requests...)
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Batch != reqs[j].Batch {
			return reqs[i].Batch < reqs[j].Batch
		}
		return reqs[i].Seq < reqs[j].Seq
	})
	return reqs
}

func TestSession(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	config := testConfig(t, dir)
	lost := bigdock.SubjobID(0, 1)
	backend := newFakeBackend(config, func(subjob string, attempt int) bigdock.State {
		if subjob == lost && attempt < 3 {
			return bigdock.Lost
		}
		return bigdock.Succeeded
	})
	tracePath := filepath.Join(dir, "trace.json")
	sess, err := Start(config,
		Backend(backend),
		Ledger(ledger.NewMemory()),
		Policy(testPolicy(4)),
		TracePath(tracePath))
	if err != nil {
		t.Fatal(err)
	}
	summary, err := sess.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sess.Shutdown()
	if err := summary.Err(); err != nil {
		t.Error(err)
	}
	if got, want := summary.Succeeded, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := summary.Results.Succeeded, 30; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := summary.Incomplete, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := summary.Ops[stats.Submit], int64(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := summary.Ops[stats.SubmitError], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// The lost subjob is resubmitted alone, as new submissions of its
	// batch.
	reqs := backend.Requests()
	var desc []string
	for _, req := range reqs {
		desc = append(desc, fmt.Sprintf("%s/%d:%d", req.Batch, req.Seq, len(req.Subjobs)))
	}
	if got, want := strings.Join(desc, " "), "000000/0:2 000000/1:1 000000/2:1 000001/0:1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	m, err := dispatch.ReadManifest(ctx, config.JobResolver().InputPath("test", "000000", 2))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(m.Subjobs), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := m.Subjobs[0].ID, lost; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := os.Stat(config.JobResolver().SummaryPath("test", "vina", "summary."+aggregate.CSV)); err != nil {
		t.Error(err)
	}
	trace, err := ioutil.ReadFile(tracePath)
	if err != nil {
		t.Fatal(err)
	}
	var events struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}
	if err := json.Unmarshal(trace, &events); err != nil {
		t.Fatal(err)
	}
	var attempts int
	for _, e := range events.TraceEvents {
		if e.Ph == "X" {
			attempts++
		}
	}
	if got, want := attempts, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionUnrecoverable(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	config := testConfig(t, dir)
	lost, failed := bigdock.SubjobID(0, 0), bigdock.SubjobID(1, 0)
	backend := newFakeBackend(config, func(subjob string, attempt int) bigdock.State {
		switch subjob {
		case lost:
			return bigdock.Lost
		case failed:
			return bigdock.Failed
		}
		return bigdock.Succeeded
	})
	sess, err := Start(config, Backend(backend), Ledger(ledger.NewMemory()), Policy(testPolicy(2)))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	summary, err := sess.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := summary.Succeeded, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := summary.Failed, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := summary.Unrecoverable, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := summary.Err(); !errors.Is(errors.TooManyTries, err) {
		t.Errorf("expected TooManyTries error, got %v", err)
	}
	if got, want := len(summary.Problems), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := summary.Problems[0].Attempts, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Failed subjobs are not retried.
	if got, want := summary.Problems[1].Attempts, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var b bytes.Buffer
	if _, err := summary.WriteTo(&b); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), "unrecoverable") {
		t.Errorf("summary %q does not report unrecoverable subjobs", b.String())
	}
}

func TestSessionCancelResume(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	config := testConfig(t, dir)
	l := ledger.NewMemory()
	stuck := newFakeBackend(config, func(string, int) bigdock.State {
		return bigdock.Running
	})
	sess, err := Start(config, Backend(stuck), Ledger(l), Policy(testPolicy(4)))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stuck.submitted
		<-stuck.submitted
		cancel()
	}()
	summary, err := sess.Run(ctx)
	if err != context.Canceled {
		t.Fatalf("got %v, want %v", err, context.Canceled)
	}
	if got, want := summary.Succeeded, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	stuck.mu.Lock()
	canceled := len(stuck.canceled)
	stuck.mu.Unlock()
	if got, want := canceled, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	records, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if got, want := r.State, bigdock.Pending; got != want {
			t.Errorf("%s: got %v, want %v", r.Subjob, got, want)
		}
		if got, want := r.Attempts, 0; got != want {
			t.Errorf("%s: got %v, want %v", r.Subjob, got, want)
		}
	}
	sess.Shutdown()

	// Resume with the same ledger.
	ok := newFakeBackend(config, func(string, int) bigdock.State {
		return bigdock.Succeeded
	})
	sess, err = Start(config, Backend(ok), Ledger(l), Policy(testPolicy(4)))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	summary, err = sess.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := summary.Succeeded, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, req := range ok.Requests() {
		if got, want := req.Seq, 1; got != want {
			t.Errorf("%s: got %v, want %v", req.Name(), got, want)
		}
	}
	counts, err := sess.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := counts[bigdock.Succeeded], 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// failingLedger fails to record the success of a subjob.
type failingLedger struct {
	*ledger.Memory
	subjob string
}

func (l *failingLedger) Put(ctx context.Context, records ...bigdock.Record) error {
	for _, r := range records {
		if r.Subjob == l.subjob && r.State == bigdock.Succeeded {
			return errors.E("ledger unavailable")
		}
	}
	return l.Memory.Put(ctx, records...)
}

func TestSessionLedgerFailure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	config := testConfig(t, dir)
	done := bigdock.SubjobID(0, 0)
	backend := newFakeBackend(config, func(subjob string, attempt int) bigdock.State {
		if subjob == done {
			return bigdock.Succeeded
		}
		return bigdock.Running
	})
	l := &failingLedger{Memory: ledger.NewMemory(), subjob: done}
	sess, err := Start(config, Backend(backend), Ledger(l), Policy(testPolicy(4)))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	summary, err := sess.Run(context.Background())
	if err == nil || err == context.Canceled {
		t.Fatalf("got %v, want ledger error", err)
	}
	if summary == nil {
		t.Fatal("no summary")
	}
	// Outstanding submissions are canceled and the results that were
	// collected are committed.
	backend.mu.Lock()
	canceled := len(backend.canceled)
	backend.mu.Unlock()
	if got, want := canceled, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := summary.Succeeded, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := summary.Results.Succeeded, 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := os.Stat(config.JobResolver().SummaryPath("test", "vina", "summary."+aggregate.CSV)); err != nil {
		t.Error(err)
	}
	records, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if r.Subjob == done {
			continue
		}
		if got, want := r.State, bigdock.Pending; got != want {
			t.Errorf("%s: got %v, want %v", r.Subjob, got, want)
		}
	}
}

func TestSessionPlanMismatch(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	config := testConfig(t, dir)
	l := ledger.NewMemory()
	if err := l.SetFingerprint(context.Background(), "0123456789abcdef"); err != nil {
		t.Fatal(err)
	}
	backend := newFakeBackend(config, func(string, int) bigdock.State { return bigdock.Succeeded })
	sess, err := Start(config, Backend(backend), Ledger(l), Policy(testPolicy(4)))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	if _, err := sess.Run(context.Background()); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if got := backend.Requests(); len(got) != 0 {
		t.Errorf("got %v, want no submissions", got)
	}
}

func TestSessionPlan(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	config := testConfig(t, dir)
	sess, err := Start(config, Backend(newFakeBackend(config, nil)), Ledger(ledger.NewMemory()))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	plan, err := sess.Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(plan.Subjobs), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(plan.Batches), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var b bytes.Buffer
	if err := sess.WritePlan(context.Background(), &b); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), "3 subjobs in 2 batches") {
		t.Errorf("unexpected plan %q", b.String())
	}
	counts, err := sess.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := counts[bigdock.Pending], 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
