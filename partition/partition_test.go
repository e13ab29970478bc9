// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/catalog"
)

type sliceUnits []bigdock.WorkUnit

func (s *sliceUnits) Next() (bigdock.WorkUnit, bool) {
	if len(*s) == 0 {
		return bigdock.WorkUnit{}, false
	}
	u := (*s)[0]
	*s = (*s)[1:]
	return u, true
}

func collections(counts ...int) *sliceUnits {
	units := make(sliceUnits, len(counts))
	for i, n := range counts {
		units[i] = bigdock.WorkUnit{Collection: fmt.Sprintf("AAAA_%04d", i+1), Count: n, Index: i}
	}
	return &units
}

func TestScenarioA(t *testing.T) {
	cat, err := catalog.Parse(strings.NewReader("AAAA_0001 2500\nAAAA_0002 100\n"), catalog.Standard, catalog.Options{})
	if err != nil {
		t.Fatal(err)
	}
	plan, err := New(cat.Units(), Options{LigandsPerSubjob: 1000, ArraySize: 100, Split: true})
	if err != nil {
		t.Fatal(err)
	}
	type unit struct {
		key           string
		offset, count int
	}
	want := []unit{
		{"AAAA_0001", 0, 1000},
		{"AAAA_0001", 1000, 1000},
		{"AAAA_0001", 2000, 500},
		{"AAAA_0002", 0, 100},
	}
	if got, want := len(plan.Subjobs), len(want); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, s := range plan.Subjobs {
		if got, want := len(s.Units), 1; got != want {
			t.Errorf("subjob %d: got %v, want %v", i, got, want)
			continue
		}
		u := s.Units[0]
		if got := (unit{u.Collection, u.Offset, u.Count}); got != want[i] {
			t.Errorf("subjob %d: got %v, want %v", i, got, want[i])
		}
	}
	if got, want := plan.Ligands(), 2600; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestScenarioB(t *testing.T) {
	plan, err := New(collections(2500, 100), Options{LigandsPerSubjob: 1000, ArraySize: 2, Split: true})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(plan.Batches), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, b := range plan.Batches {
		if got, want := len(b.Subjobs), 2; got != want {
			t.Errorf("batch %d: got %v, want %v", i, got, want)
		}
		for j, s := range b.Subjobs {
			if got, want := s.ID, bigdock.SubjobID(i, j); got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if plan.Subjob(s.ID) != s {
				t.Errorf("subjob %s not indexed", s.ID)
			}
		}
	}
	if plan.Subjob("999999-0000") != nil {
		t.Error("unexpected subjob")
	}
}

func TestGreedy(t *testing.T) {
	plan, err := New(collections(300, 300, 300, 200, 50, 900), Options{LigandsPerSubjob: 1000, ArraySize: 10})
	if err != nil {
		t.Fatal(err)
	}
	var sizes []string
	for _, s := range plan.Subjobs {
		sizes = append(sizes, fmt.Sprintf("%d/%d", len(s.Units), s.Ligands()))
	}
	if got, want := strings.Join(sizes, " "), "3/900 2/250 1/900"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOversizedNoSplit(t *testing.T) {
	plan, err := New(collections(100, 2500, 100), Options{LigandsPerSubjob: 1000, ArraySize: 10})
	if err != nil {
		t.Fatal(err)
	}
	var sizes []int
	for _, s := range plan.Subjobs {
		sizes = append(sizes, s.Ligands())
	}
	if got, want := fmt.Sprint(sizes), "[100 2500 100]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, c := range []struct{ n, k, want int }{
		{2500, 1000, 3},
		{3000, 1000, 3},
		{1, 1000, 1},
		{1000, 1, 1000},
		{999, 1000, 1},
		{1001, 1000, 2},
	} {
		plan, err := New(collections(c.n), Options{LigandsPerSubjob: c.k, ArraySize: 100, Split: true})
		if err != nil {
			t.Fatal(err)
		}
		if got, want := len(plan.Subjobs), c.want; got != want {
			t.Errorf("N=%d k=%d: got %v, want %v", c.n, c.k, got, want)
		}
		if got, want := plan.Ligands(), c.n; got != want {
			t.Errorf("N=%d k=%d: got %v, want %v", c.n, c.k, got, want)
		}
	}
}

func TestInvalidOptions(t *testing.T) {
	for _, opts := range []Options{
		{LigandsPerSubjob: 0, ArraySize: 10},
		{LigandsPerSubjob: 10, ArraySize: 0},
		{LigandsPerSubjob: -1, ArraySize: -1},
	} {
		_, err := New(collections(10), opts)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: expected invalid error, got %v", opts, err)
		}
	}
}

// TestDeterminism checks that plans are a function of their inputs,
// and that every unit and ligand is assigned exactly once within
// the bounds.
func TestDeterminism(t *testing.T) {
	fz := fuzz.New()
	fz.NumElements(1, 200)
	for iter := 0; iter < 100; iter++ {
		var (
			raw    []uint16
			k, arr uint8
			split  bool
		)
		fz.Fuzz(&raw)
		fz.Fuzz(&k)
		fz.Fuzz(&arr)
		fz.Fuzz(&split)
		counts := make([]int, len(raw))
		for i, c := range raw {
			counts[i] = int(c%5000) + 1
		}
		opts := Options{LigandsPerSubjob: int(k) + 1, ArraySize: int(arr%20) + 1, Split: split}
		p1, err := New(collections(counts...), opts)
		if err != nil {
			t.Fatal(err)
		}
		p2, err := New(collections(counts...), opts)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := p1.Fingerprint(), p2.Fingerprint(); got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		var b1, b2 bytes.Buffer
		if _, err := p1.WriteTo(&b1); err != nil {
			t.Fatal(err)
		}
		if _, err := p2.WriteTo(&b2); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(b1.Bytes(), b2.Bytes()) {
			t.Fatal("plans differ")
		}

		var total int
		for _, c := range counts {
			total += c
		}
		if got, want := p1.Ligands(), total; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		next := 0
		for _, s := range p1.Subjobs {
			if n := s.Ligands(); n > opts.LigandsPerSubjob && len(s.Units) > 1 {
				t.Fatalf("subjob %s exceeds target: %d", s.ID, n)
			}
			if split && s.Ligands() > opts.LigandsPerSubjob {
				t.Fatalf("split subjob %s exceeds target: %d", s.ID, s.Ligands())
			}
			for _, u := range s.Units {
				// Units appear in order; split ranges share their index.
				if u.Index != next && u.Index != next-1 {
					t.Fatalf("unit %v out of order, expected index %d", u, next)
				}
				if u.Index == next {
					next++
				}
			}
		}
		if got, want := next, len(counts); got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		for _, b := range p1.Batches {
			if len(b.Subjobs) == 0 || len(b.Subjobs) > opts.ArraySize {
				t.Fatalf("batch %s has %d subjobs", b.ID(), len(b.Subjobs))
			}
		}
	}
}

func TestWriteTo(t *testing.T) {
	plan, err := New(collections(2500, 100), Options{LigandsPerSubjob: 1000, ArraySize: 2, Split: true})
	if err != nil {
		t.Fatal(err)
	}
	var b bytes.Buffer
	if _, err := plan.WriteTo(&b); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{"4 subjobs in 2 batches", "000001-0001", "AAAA_0001@2000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}
