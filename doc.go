// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigdock implements the orchestration core of large virtual
	screening campaigns. A campaign docks millions to billions of
	ligands against one or more docking scenarios; bigdock takes care
	of turning such a campaign into work that a batch system can run,
	and of bringing the results back together.

	A run proceeds in a handful of stages, each implemented by its own
	package:

	1. The collection catalog (package catalog) enumerates the ligand
	collections named by a work list. Collections are either whole
	(a collection key and its ligand count) or fine-grained (one line
	per ligand).

	2. The partitioner (package partition) groups the enumerated work
	units into subjobs of bounded size, and subjobs into array
	batches. Plans are deterministic: the same work list and options
	always produce the same subjobs.

	3. The dispatch adapter (package dispatch) submits array batches to
	a compute backend: AWS Batch, a Slurm cluster, or local processes
	and containers. Backends are selected by name when a session
	starts.

	4. The execution monitor (package monitor) tracks every subjob
	through its lifecycle. Subjobs lost to infrastructure failures
	(for example, reclaimed spot instances) are resubmitted up to a
	configured attempt ceiling.

	5. The result aggregator (package aggregate) reads the per-ligand
	result records of completed subjobs and folds them into summary
	tables.

	Package exec ties these together in a Session, and cmd/bigdock
	provides a command line interface.

	Docking and scoring programs are opaque to bigdock: each subjob is
	run by a worker that reads its manifest, docks its ligands, and
	writes its result records to the job store. Bigdock makes no
	assumptions about the chemistry.
*/
package bigdock
