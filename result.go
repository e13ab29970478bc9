// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdock

// Result statuses written by workers.
const (
	ResultSucceeded = "success"
	ResultFailed    = "failed"
)

// A ResultRecord is the outcome of docking one ligand in one
// scenario replica. Workers write result records as gzip-compressed
// JSON lines to the job store.
type ResultRecord struct {
	Ligand     string `json:"ligand"`
	Collection string `json:"collection_key"`
	Scenario   string `json:"scenario"`
	// Replica is the index of the scenario replica that produced the
	// record.
	Replica int `json:"replica"`
	// Status is ResultSucceeded or ResultFailed.
	Status string `json:"status"`
	// Reason describes a failed docking.
	Reason string `json:"reason,omitempty"`
	// Scores holds the docking scores; lower is better.
	Scores []float64 `json:"scores,omitempty"`
	// Attrs holds ligand attributes (for example "smi") as read by the
	// worker from the collection.
	Attrs map[string]string `json:"attrs,omitempty"`
	// Artifacts are the storage keys of auxiliary outputs, such as
	// docked poses and logs.
	Artifacts []string `json:"artifacts,omitempty"`
}

// Succeeded tells whether the record describes a successful docking.
func (r *ResultRecord) Succeeded() bool {
	return r.Status == ResultSucceeded
}

// Score returns the record's best score. ok is false if the record
// carries no score.
func (r *ResultRecord) Score() (score float64, ok bool) {
	for i, s := range r.Scores {
		if i == 0 || s < score {
			score = s
		}
	}
	return score, len(r.Scores) > 0
}

// A Scenario is a docking configuration, for example a receptor and
// docking program. Each ligand is docked Replicas times in each
// scenario.
type Scenario struct {
	Name     string `json:"name"`
	Replicas int    `json:"replicas"`
}
