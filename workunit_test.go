// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdock

import (
	"reflect"
	"testing"
)

func TestSplitKey(t *testing.T) {
	c := Collection{Key: "AACDEF_00001", Size: 10}
	if got, want := c.Tranche(), "AACDEF"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Number(), "00001"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	tranche, number := SplitKey("nounderscore")
	if tranche != "nounderscore" || number != "" {
		t.Errorf("got %q %q", tranche, number)
	}
}

func TestWorkUnitSplit(t *testing.T) {
	u := WorkUnit{Collection: "A_1", Count: 2500, Index: 3}
	got := u.Split(1000)
	want := []WorkUnit{
		{Collection: "A_1", Offset: 0, Count: 1000, Index: 3},
		{Collection: "A_1", Offset: 1000, Count: 1000, Index: 3},
		{Collection: "A_1", Offset: 2000, Count: 500, Index: 3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := got[1].ID(), "A_1@1000"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(u.Split(2500)), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	fine := WorkUnit{Collection: "A_1", Ligand: "L1", Count: 1}
	if got, want := fine.ID(), "A_1/L1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSubjob(t *testing.T) {
	s := &Subjob{
		ID:    SubjobID(12, 3),
		Batch: 12,
		Index: 3,
		Units: []WorkUnit{{Collection: "A_1", Count: 10}, {Collection: "A_2", Count: 5}},
	}
	if got, want := s.ID, "000012-0003"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.BatchID(), "000012"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.Ligands(), 15; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResultScore(t *testing.T) {
	r := ResultRecord{Status: ResultSucceeded, Scores: []float64{-7.1, -9.4, -8}}
	score, ok := r.Score()
	if !ok || score != -9.4 {
		t.Errorf("got %v %v, want -9.4 true", score, ok)
	}
	r.Scores = nil
	if _, ok := r.Score(); ok {
		t.Error("expected no score")
	}
}
