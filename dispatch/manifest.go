// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"encoding/json"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/address"
)

// A Manifest describes a submission to its workers. It is staged in
// the job store before the submission, and each worker selects its
// subjob by array index.
type Manifest struct {
	Job   string `json:"job"`
	Batch string `json:"batch"`
	Seq   int    `json:"seq"`
	// Scenarios are the docking scenarios to run for every ligand.
	Scenarios []bigdock.Scenario `json:"scenarios"`
	// OutputPrefix and OutputMode locate the job store, in which
	// workers write their results at address.Resolver.OutputPath.
	OutputPrefix string `json:"output_prefix"`
	OutputMode   string `json:"output_mode"`
	// Threads is the number of docking threads a worker should use.
	Threads int `json:"threads"`
	// Prescreen, if nonzero, limits each collection to its first
	// Prescreen ligands, in the order of the collection's listing.
	Prescreen int `json:"prescreen,omitempty"`
	// Subjobs are the submitted subjobs, in array order.
	Subjobs []ManifestSubjob `json:"subjobs"`
}

// A ManifestSubjob describes one subjob in a manifest.
type ManifestSubjob struct {
	ID    string         `json:"id"`
	Units []ManifestUnit `json:"units"`
}

// A ManifestUnit describes one work unit in a manifest, together with
// the location of its collection.
type ManifestUnit struct {
	Collection string `json:"collection"`
	Ligand     string `json:"ligand,omitempty"`
	Offset     int    `json:"offset,omitempty"`
	Count      int    `json:"count"`
	Location   string `json:"location"`
}

// A Stager stages manifests for submissions.
type Stager struct {
	Job       string
	Scenarios []bigdock.Scenario
	Threads   int
	Prescreen int
	// Data resolves collection locations; Output resolves job store
	// locations.
	Data, Output address.Resolver
	// Ext is the file extension of collection objects.
	Ext string
}

// Manifest returns the manifest for the provided request.
func (s *Stager) Manifest(req *Request) *Manifest {
	ext := s.Ext
	if ext == "" {
		ext = "tar.gz"
	}
	m := &Manifest{
		Job:          s.Job,
		Batch:        req.Batch,
		Seq:          req.Seq,
		Scenarios:    s.Scenarios,
		OutputPrefix: s.Output.Prefix,
		OutputMode:   s.Output.Mode.String(),
		Threads:      s.Threads,
		Prescreen:    s.Prescreen,
		Subjobs:      make([]ManifestSubjob, len(req.Subjobs)),
	}
	for i, sj := range req.Subjobs {
		ms := ManifestSubjob{ID: sj.ID, Units: make([]ManifestUnit, len(sj.Units))}
		for j, u := range sj.Units {
			ms.Units[j] = ManifestUnit{
				Collection: u.Collection,
				Ligand:     u.Ligand,
				Offset:     u.Offset,
				Count:      u.Count,
				Location:   s.Data.CollectionPath(u.Collection, ext),
			}
		}
		m.Subjobs[i] = ms
	}
	return m
}

// Stage writes the request's manifest to the job store and sets the
// request's Manifest location.
func (s *Stager) Stage(ctx context.Context, req *Request) (err error) {
	path := s.Output.InputPath(s.Job, req.Batch, req.Seq)
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	enc := json.NewEncoder(f.Writer(ctx))
	enc.SetIndent("", "\t")
	if err = enc.Encode(s.Manifest(req)); err != nil {
		return err
	}
	req.Manifest = path
	return nil
}

// ReadManifest reads the manifest staged at the provided path.
func ReadManifest(ctx context.Context, path string) (*Manifest, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	m := new(Manifest)
	if err := json.NewDecoder(f.Reader(ctx)).Decode(m); err != nil {
		return nil, errors.E(errors.Invalid, "manifest", path, err)
	}
	return m, nil
}
