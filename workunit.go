// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdock

import (
	"fmt"
	"strings"
)

// A Collection is a named group of ligands, stored as a single input
// object. Collection keys are of the form TRANCHE_NUMBER, for
// example "AACDEF_00001".
type Collection struct {
	// Key is the collection's key; it is unique within a catalog.
	Key string
	// Size is the number of ligands in the collection.
	Size int
}

// Tranche returns the tranche part of the collection key: the part
// before the first underscore.
func (c Collection) Tranche() string {
	tranche, _ := SplitKey(c.Key)
	return tranche
}

// Number returns the collection number: the part of the key after
// the first underscore.
func (c Collection) Number() string {
	_, number := SplitKey(c.Key)
	return number
}

// SplitKey splits a collection key into its tranche and collection
// number. Keys without an underscore have an empty number.
func SplitKey(key string) (tranche, number string) {
	i := strings.IndexByte(key, '_')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// A WorkUnit is the smallest schedulable piece of work: a whole
// collection, a contiguous range of ligands within a collection, or
// (for fine-grained work lists) a single named ligand. WorkUnits are
// immutable once enumerated.
type WorkUnit struct {
	// Collection is the key of the collection containing the unit's
	// ligands.
	Collection string
	// Ligand names a single ligand for fine-grained units.
	Ligand string
	// Offset is the index of the first ligand of the unit within its
	// collection. It is nonzero only for ranges of split collections.
	Offset int
	// Count is the number of ligands in the unit.
	Count int
	// Index is the unit's position in catalog order.
	Index int
}

// ID returns a string that identifies the unit within a run.
func (u WorkUnit) ID() string {
	switch {
	case u.Ligand != "":
		return u.Collection + "/" + u.Ligand
	case u.Offset != 0:
		return fmt.Sprintf("%s@%d", u.Collection, u.Offset)
	default:
		return u.Collection
	}
}

// String returns a human-readable description of the unit.
func (u WorkUnit) String() string {
	return fmt.Sprintf("%s[%d]", u.ID(), u.Count)
}

// Split splits the unit into consecutive ranges of at most n
// ligands each. Fine-grained units are never split.
func (u WorkUnit) Split(n int) []WorkUnit {
	if n <= 0 || u.Count <= n || u.Ligand != "" {
		return []WorkUnit{u}
	}
	units := make([]WorkUnit, 0, (u.Count+n-1)/n)
	for off := 0; off < u.Count; off += n {
		r := u
		r.Offset = u.Offset + off
		r.Count = n
		if off+n > u.Count {
			r.Count = u.Count - off
		}
		units = append(units, r)
	}
	return units
}
