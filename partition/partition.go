// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition groups work units into subjobs of bounded size,
// and subjobs into array batches. Plans are deterministic: the same
// sequence of work units and options always yields the same plan.
package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigdock"
)

// Units is a sequence of work units. *catalog.Iterator implements
// Units.
type Units interface {
	Next() (bigdock.WorkUnit, bool)
}

// Options control the shape of a plan.
type Options struct {
	// LigandsPerSubjob is the target number of ligands per subjob.
	LigandsPerSubjob int
	// ArraySize is the maximum number of subjobs in an array batch.
	ArraySize int
	// Split splits work units larger than LigandsPerSubjob into
	// ligand ranges of at most LigandsPerSubjob ligands. Each range
	// becomes its own subjob. When Split is false, such units become
	// single oversized subjobs.
	Split bool
}

// A Plan is the complete partitioning of a run's work units.
type Plan struct {
	Options
	Subjobs []*bigdock.Subjob
	Batches []*bigdock.ArrayBatch

	index       map[string]*bigdock.Subjob
	fingerprint string
}

// New partitions the provided work units. Units are consumed in
// order: subjobs accumulate consecutive units while their ligand
// total does not exceed the target, and batches accumulate
// consecutive subjobs.
func New(units Units, opts Options) (*Plan, error) {
	if opts.LigandsPerSubjob <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("ligands per subjob must be positive, got %d", opts.LigandsPerSubjob))
	}
	if opts.ArraySize <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("array size must be positive, got %d", opts.ArraySize))
	}
	var (
		groups [][]bigdock.WorkUnit
		cur    []bigdock.WorkUnit
		total  int
	)
	flush := func() {
		if len(cur) > 0 {
			groups = append(groups, cur)
		}
		cur, total = nil, 0
	}
	target := opts.LigandsPerSubjob
	for {
		u, ok := units.Next()
		if !ok {
			break
		}
		if u.Count <= 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("work unit %s has no ligands", u.ID()))
		}
		if u.Count > target {
			flush()
			if !opts.Split {
				groups = append(groups, []bigdock.WorkUnit{u})
				continue
			}
			for _, r := range u.Split(target) {
				groups = append(groups, []bigdock.WorkUnit{r})
			}
			continue
		}
		if total+u.Count > target {
			flush()
		}
		cur = append(cur, u)
		total += u.Count
	}
	flush()

	p := &Plan{Options: opts, index: make(map[string]*bigdock.Subjob, len(groups))}
	for i, units := range groups {
		b, j := i/opts.ArraySize, i%opts.ArraySize
		if j == 0 {
			p.Batches = append(p.Batches, &bigdock.ArrayBatch{Index: b})
		}
		s := &bigdock.Subjob{
			ID:    bigdock.SubjobID(b, j),
			Batch: b,
			Index: j,
			Units: units,
		}
		p.Subjobs = append(p.Subjobs, s)
		p.index[s.ID] = s
		batch := p.Batches[b]
		batch.Subjobs = append(batch.Subjobs, s)
	}
	p.fingerprint = p.computeFingerprint()
	return p, nil
}

// Subjob returns the subjob with the provided ID, or nil.
func (p *Plan) Subjob(id string) *bigdock.Subjob {
	return p.index[id]
}

// Ligands returns the total number of ligands in the plan.
func (p *Plan) Ligands() int {
	var n int
	for _, s := range p.Subjobs {
		n += s.Ligands()
	}
	return n
}

// Fingerprint returns a digest of the plan's subjob boundaries. Two
// plans with equal fingerprints assign the same work units to the
// same subjobs.
func (p *Plan) Fingerprint() string {
	return p.fingerprint
}

func (p *Plan) computeFingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d %d %v\n", p.LigandsPerSubjob, p.ArraySize, p.Split)
	for _, s := range p.Subjobs {
		fmt.Fprintf(h, "%s", s.ID)
		for _, u := range s.Units {
			fmt.Fprintf(h, " %s:%d", u.ID(), u.Count)
		}
		fmt.Fprintln(h)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WriteTo writes a tabular description of the plan to w.
func (p *Plan) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	var tw tabwriter.Writer
	tw.Init(cw, 4, 4, 1, ' ', 0)
	fmt.Fprintf(&tw, "plan: %d subjobs in %d batches, %d ligands (fingerprint %.12s)\n",
		len(p.Subjobs), len(p.Batches), p.Ligands(), p.fingerprint)
	fmt.Fprintln(&tw, "\tbatch\tsubjob\tligands\tunits")
	for _, s := range p.Subjobs {
		first, last := s.Units[0], s.Units[len(s.Units)-1]
		units := first.ID()
		if len(s.Units) > 1 {
			units = fmt.Sprintf("%s .. %s (%d)", first.ID(), last.ID(), len(s.Units))
		}
		fmt.Fprintf(&tw, "\t%s\t%s\t%d\t%s\n", s.BatchID(), s.ID, s.Ligands(), units)
	}
	err := tw.Flush()
	return cw.n, err
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
